package llms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacehq/lace/pkg/lacerrors"
)

func TestNewProviderDispatch(t *testing.T) {
	tests := []struct {
		cfg      Config
		wantName string
	}{
		{Config{Type: TypeAnthropic, APIKey: "k"}, "anthropic"},
		{Config{Type: TypeOpenAI, APIKey: "k"}, "openai"},
		{Config{Type: TypeLMStudio, Model: "m"}, "lmstudio"},
		{Config{Type: TypeOllama, Model: "m"}, "ollama"},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.ProviderName())
		})
	}
}

func TestNewProviderUnsupportedType(t *testing.T) {
	_, err := NewProvider(Config{Type: "grok"})
	require.Error(t, err)
	assert.Equal(t, lacerrors.KindValidation, lacerrors.KindOf(err))
}

type closeCounter struct {
	Provider
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func (c *closeCounter) CreateResponse(context.Context, []Message, []ToolDef) (*Response, error) {
	return nil, nil
}

func TestRegistryCloseShutsDownProviders(t *testing.T) {
	r := NewRegistry()
	a := &closeCounter{}
	b := &closeCounter{}
	require.NoError(t, r.Register("a", a))
	require.NoError(t, r.Register("b", b))

	require.NoError(t, r.Close())
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Equal(t, 0, r.Count())
}
