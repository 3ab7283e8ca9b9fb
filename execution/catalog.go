package execution

import (
	"github.com/pkg/errors"

	"forkrpc/codec"
	"forkrpc/message"
)

var ErrUnknownContext = errors.New("execution: unknown context")

// Provider builds a fresh context for the given settings.
type Provider func(settings map[string]string, c codec.Codec) (*Context, error)

// Catalog lists the contexts a binary can install, by name.
type Catalog struct {
	providers map[string]Provider
}

func NewCatalog() *Catalog {
	return &Catalog{providers: make(map[string]Provider)}
}

// Add registers a provider. Names are unique.
func (c *Catalog) Add(name string, p Provider) error {
	if _, ok := c.providers[name]; ok {
		return errors.Errorf("execution: context %q already in catalog", name)
	}
	c.providers[name] = p
	return nil
}

// Resolve builds the context named by spec.
func (c *Catalog) Resolve(spec message.ContextSpec, cd codec.Codec) (*Context, error) {
	p, ok := c.providers[spec.Name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownContext, spec.Name)
	}
	ctx, err := p(spec.Settings, cd)
	if err != nil {
		return nil, errors.Wrapf(err, "build context %q", spec.Name)
	}
	if ctx.name != spec.Name {
		return nil, errors.Errorf("execution: provider for %q built %q", spec.Name, ctx.name)
	}
	for k, v := range spec.Settings {
		ctx.settings[k] = v
	}
	return ctx, nil
}

// Decode reads a context frame body and resolves it.
func (c *Catalog) Decode(cd codec.Codec, body []byte) (*Context, error) {
	env, err := openEnvelope(cd, message.KindContext, body)
	if err != nil {
		return nil, err
	}
	var settings map[string]string
	if len(env.Data) > 0 {
		if err := cd.Decode(env.Data, &settings); err != nil {
			return nil, errors.Wrap(err, "decode context settings")
		}
	}
	return c.Resolve(message.ContextSpec{Name: env.Type, Settings: settings}, cd)
}

// EncodeSpec builds the context frame body the parent sends during the handshake.
func EncodeSpec(cd codec.Codec, spec message.ContextSpec) ([]byte, error) {
	env := message.Envelope{Kind: message.KindContext, Type: spec.Name}
	if len(spec.Settings) > 0 {
		data, err := cd.Encode(spec.Settings)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return cd.Encode(&env)
}
