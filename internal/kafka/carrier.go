package kafka

import segkafka "github.com/segmentio/kafka-go"

// HeaderCarrier lets OpenTelemetry inject and extract trace context through
// Kafka message headers, so a sweep or API evaluation and the offer event it
// publishes share one trace.
type HeaderCarrier []segkafka.Header

// Get returns the value of the first header named key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces the value of header key in place, appending it when absent.
func (c *HeaderCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys returns the header names in order.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}
