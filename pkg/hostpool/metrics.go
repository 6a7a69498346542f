package hostpool

import (
	"context"

	"github.com/buildfleet/hostpool/pkg/observability/xmetrics"
)

// component is the xmetrics.SpanOptions.Component value stamped on every
// span this package starts.
const component = "hostpool"

// startSpan starts an observability span around a RemoteHost operation.
// observer is nil-safe: xmetrics.Start returns a no-op span when observer
// is nil, so callers that never configure one pay only the cost of a
// SpanOptions literal.
func startSpan(ctx context.Context, observer xmetrics.Observer, hostname, operation string) (context.Context, xmetrics.Span) {
	return xmetrics.Start(ctx, observer, xmetrics.SpanOptions{
		Component: component,
		Operation: operation,
		Kind:      xmetrics.KindClient,
		Attrs: []xmetrics.Attr{
			{Key: "host", Value: hostname},
		},
	})
}

// endSpan ends span with a Result derived from err.
func endSpan(span xmetrics.Span, err error) {
	status := xmetrics.StatusOK
	if err != nil {
		status = xmetrics.StatusError
	}
	span.End(xmetrics.Result{Status: status, Err: err})
}
