package tracer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"quackrelay/internal/infra/config"
)

func TestDisabledConfigsInstallNoopProvider(t *testing.T) {
	cases := []config.TracerConfig{
		{Enabled: false},
		{Enabled: true, Exporter: ""},
		{Enabled: true, Exporter: "noop"},
	}
	for _, cfg := range cases {
		shutdown, err := Setup(context.Background(), cfg)
		require.NoError(t, err)
		require.IsType(t, noop.TracerProvider{}, otel.GetTracerProvider())
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestStdoutExporter(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestUnknownExporterRejected(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	require.ErrorContains(t, err, "unknown exporter")
}

func TestSpanHelpers(t *testing.T) {
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "mailbox.send")
	require.NotNil(t, ctx)

	RecordError(span, errors.New("dispatch refused"))
	SetOK(span)
	span.End()

	require.EqualValues(t, "inbox.path", StringAttr("inbox.path", "replit/main").Key)
	require.EqualValues(t, "inbox.count", IntAttr("inbox.count", 3).Key)
}
