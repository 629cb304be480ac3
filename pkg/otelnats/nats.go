package otelnats

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("meetup-chat")

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier struct {
	header nats.Header
}

func (c *headerCarrier) Get(key string) string { return c.header.Get(key) }

func (c *headerCarrier) Set(key, value string) { c.header.Set(key, value) }

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.header))
	for k := range c.header {
		keys = append(keys, k)
	}
	return keys
}

// InjectHeaders returns a nats.Header carrying the trace context from ctx.
func InjectHeaders(ctx context.Context) nats.Header {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{header: h})
	return h
}

// ExtractHeaders returns a context with trace context pulled from a NATS
// message header, or ctx unchanged when the header is nil.
func ExtractHeaders(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{header: header})
}

func messagingAttrs(subject string, size int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.payload_size_bytes", size),
	)
}

// Publish publishes data on subject with trace context propagated in the
// message headers, recording a PRODUCER span.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		messagingAttrs(subject, len(data)),
	)
	defer span.End()

	return nc.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  InjectHeaders(ctx),
	})
}

// Request performs a traced NATS request/reply with the default timeout,
// recording a CLIENT span.
func Request(ctx context.Context, nc *nats.Conn, subject string, data []byte) (*nats.Msg, error) {
	ctx, span := tracer.Start(ctx, subject+" request",
		trace.WithSpanKind(trace.SpanKindClient),
		messagingAttrs(subject, len(data)),
	)
	defer span.End()

	reply, err := nc.RequestMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  InjectHeaders(ctx),
	}, nats.DefaultTimeout)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("messaging.message.response_size_bytes", len(reply.Data)))
	return reply, nil
}

// ConsumerSpan extracts trace context from msg and starts a CONSUMER span.
// The caller must End the span.
func ConsumerSpan(ctx context.Context, msg *nats.Msg, operation string) (context.Context, trace.Span) {
	ctx = ExtractHeaders(ctx, msg.Header)
	return tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindConsumer),
		messagingAttrs(msg.Subject, len(msg.Data)),
	)
}

// ServerSpan extracts trace context from msg and starts a SERVER span for
// request/reply responders. The caller must End the span.
func ServerSpan(ctx context.Context, msg *nats.Msg, operation string) (context.Context, trace.Span) {
	ctx = ExtractHeaders(ctx, msg.Header)
	return tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindServer),
		messagingAttrs(msg.Subject, len(msg.Data)),
	)
}
