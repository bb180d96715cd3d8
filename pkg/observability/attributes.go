package observability

import "go.opentelemetry.io/otel/attribute"

// Domain attributes attached to spans and metrics.
var (
	AttrOperation   = attribute.Key("smartorder.operation")
	AttrMatchMode   = attribute.Key("smartorder.match.mode")
	AttrCandidates  = attribute.Key("smartorder.match.candidates")
	AttrProductID   = attribute.Key("smartorder.product.id")
	AttrSessionID   = attribute.Key("smartorder.session.id")
	AttrHTTPRoute   = attribute.Key("http.route")
	AttrDetailsKind = attribute.Key("smartorder.order.details_source")
)

// MatchOperation creates attributes for an image match.
func MatchOperation(mode string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrMatchMode.String(mode)}
}

// OrderOperation creates attributes for an order write.
func OrderOperation(productID string, withText bool) []attribute.KeyValue {
	source := "button"
	if withText {
		source = "text"
	}
	return []attribute.KeyValue{
		AttrProductID.String(productID),
		AttrDetailsKind.String(source),
	}
}
