package router

// RequestOption sets optional fields on a new request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	externalID   string
	serviceID    string
	fee          int64
	txHash       string
	callbackHash string
	maxAttempts  int
	metadata     map[string]string
}

// WithExternalID sets the idempotency key. A second create with the same key
// returns the first request.
func WithExternalID(id string) RequestOption {
	return func(o *requestOptions) { o.externalID = id }
}

func WithServiceID(id string) RequestOption {
	return func(o *requestOptions) { o.serviceID = id }
}

// WithFee charges fee in token fractions through the configured FeeCollector.
func WithFee(fee int64) RequestOption {
	return func(o *requestOptions) { o.fee = fee }
}

// WithTxHash records the transaction that originated the request.
func WithTxHash(hash string) RequestOption {
	return func(o *requestOptions) { o.txHash = hash }
}

// WithCallback sets the fulfillment target as "<contract>[:<method>]".
func WithCallback(target string) RequestOption {
	return func(o *requestOptions) { o.callbackHash = target }
}

func WithMetadata(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}

// WithMaxAttempts overrides the router's attempt budget for this request.
func WithMaxAttempts(n int) RequestOption {
	return func(o *requestOptions) { o.maxAttempts = n }
}
