package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , broken, =skip,x-tenant = market ")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "market",
	}, headers)
	require.Empty(t, ParseHeaders(""))
}

func TestInitWithoutExporters(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	t.Setenv(HeadersEnv, "k=v")
	shutdown, err := Init(context.Background(), Config{ServiceName: "dmarket"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.False(t, Config{ServiceName: "dmarket"}.Enabled())
	require.True(t, Config{Metrics: true}.Enabled())
}
