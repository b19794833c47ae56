package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Interceptor wraps the handling of a delivery
type Interceptor interface {
	// Intercept handles delivery, usually by calling next
	Intercept(ctx context.Context, delivery amqp.Delivery, next MessageHandler) error
	Name() string
}

// InterceptorChain runs interceptors in the order they were added
type InterceptorChain struct {
	interceptors []Interceptor
}

func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add appends an interceptor
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then returns final wrapped by the chain. The first interceptor added is the
// outermost.
func (c *InterceptorChain) Then(final MessageHandler) MessageHandler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		handler = bind(c.interceptors[i], handler)
	}
	return handler
}

func bind(interceptor Interceptor, next MessageHandler) MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, delivery amqp.Delivery) error {
		return interceptor.Intercept(ctx, delivery, next)
	})
}

// TimeoutInterceptor bounds the time a handler may spend on one delivery
type TimeoutInterceptor struct {
	timeout time.Duration
}

func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

func (t *TimeoutInterceptor) Name() string {
	return "timeout"
}

func (t *TimeoutInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next MessageHandler) error {
	if t.timeout <= 0 {
		return next.Handle(ctx, delivery)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return next.Handle(ctx, delivery)
}
