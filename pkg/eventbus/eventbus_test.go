package eventbus

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type args struct {
	data interface{}
}

func bufferedLogger(level logrus.Level) (*logrus.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(buf)
	log.SetLevel(level)
	return log, buf
}

func TestPublisher_Publish_NoMatchingSubscribers(t *testing.T) {
	t.Parallel()

	type other struct{ data interface{} }
	log, buf := bufferedLogger(logrus.WarnLevel)
	publisher := NewEventPublisher(log)
	publisher.Subscribe(func(e *args) {
		t.Error("should not be called")
	})
	publisher.Publish(&other{data: "test"})

	require.Contains(t, buf.String(), "eventbus.Publish: no matching subscribers")
}

func TestPublisher_Subscribe(t *testing.T) {
	t.Parallel()

	publisher := NewEventPublisher(logrus.New())
	var got interface{}
	publisher.Subscribe(func(e *args) { got = e.data })
	publisher.Publish(&args{data: "test"})

	require.Equal(t, "test", got)
	require.Equal(t, 1, publisher.SubscribersCount())
}

func TestPublisher_ContextAndEvent(t *testing.T) {
	t.Parallel()

	publisher := NewEventPublisher(logrus.New())
	called := false
	publisher.Subscribe(func(ctx context.Context, e *args) error {
		called = ctx != nil && e.data == "x"
		return nil
	})

	require.NoError(t, publisher.PublishE(context.Background(), &args{data: "x"}))
	require.True(t, called)
}

func TestPublisher_UnsubscribeAndClear(t *testing.T) {
	t.Parallel()

	publisher := NewEventPublisher(logrus.New())
	h1 := func(e *args) {}
	h2 := func(e *args) {}
	publisher.Subscribe(h1)
	publisher.Subscribe(h2)
	publisher.Unsubscribe(h1)
	require.Equal(t, 1, publisher.SubscribersCount())

	publisher.Clear()
	require.Zero(t, publisher.SubscribersCount())
}

func TestMatchSignature(t *testing.T) {
	t.Parallel()

	type a struct{}
	type b struct{}

	cases := []struct {
		name    string
		handler interface{}
		args    []interface{}
		want    bool
	}{
		{"same pointer type", func(e *a) {}, []interface{}{&a{}}, true},
		{"different type", func(e *a) {}, []interface{}{&b{}}, false},
		{"missing args", func(e *a) {}, []interface{}{}, false},
		{"too many args", func(e *a) {}, []interface{}{&a{}, &a{}}, false},
		{"interface param", func(ctx context.Context) {}, []interface{}{context.Background()}, true},
		{"nil for pointer", func(e *a) {}, []interface{}{nil}, true},
		{"nil for value", func(e a) {}, []interface{}{nil}, false},
		{"not a func", 42, []interface{}{&a{}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, MatchSignature(tc.handler, tc.args))
		})
	}
}

func TestPublisher_PanicRecovery(t *testing.T) {
	t.Parallel()

	t.Run("panic is logged and other handlers still run", func(t *testing.T) {
		log, buf := bufferedLogger(logrus.ErrorLevel)
		publisher := NewEventPublisher(log)

		var first, third bool
		publisher.Subscribe(func(e *args) { first = true })
		publisher.Subscribe(func(e *args) { panic("handler 2 panic") })
		publisher.Subscribe(func(e *args) { third = true })

		publisher.Publish(&args{data: "test"})

		require.True(t, first)
		require.True(t, third)
		require.Contains(t, buf.String(), "panicked")
		require.Contains(t, buf.String(), "handler 2 panic")
	})

	t.Run("all handlers panicking counts as unhandled", func(t *testing.T) {
		log, buf := bufferedLogger(logrus.WarnLevel)
		publisher := NewEventPublisher(log)
		publisher.Subscribe(func(e *args) { panic("always panics") })

		publisher.Publish(&args{data: "test"})

		require.Contains(t, buf.String(), "no matching subscribers")
	})
}

func TestPublisher_PublishE(t *testing.T) {
	t.Parallel()

	t.Run("returns ErrNoSubscribers when none match", func(t *testing.T) {
		publisher := NewEventPublisher(logrus.New())
		require.ErrorIs(t, publisher.PublishE(&args{data: "x"}), ErrNoSubscribers)
	})

	t.Run("joins errors from multiple handlers", func(t *testing.T) {
		publisher := NewEventPublisher(logrus.New())
		err1 := errors.New("err1")
		err2 := errors.New("err2")
		publisher.Subscribe(func(e *args) error { return err1 })
		publisher.Subscribe(func(e *args) error { return err2 })

		err := publisher.PublishE(&args{data: "x"})
		require.ErrorIs(t, err, err1)
		require.ErrorIs(t, err, err2)
	})

	t.Run("panic is surfaced as error", func(t *testing.T) {
		publisher := NewEventPublisher(nil)
		called := false
		publisher.Subscribe(func(e *args) error { panic("boom") })
		publisher.Subscribe(func(e *args) error { called = true; return nil })

		require.Error(t, publisher.PublishE(&args{data: "x"}))
		require.True(t, called)
	})

	t.Run("invalid handler return", func(t *testing.T) {
		publisher := NewEventPublisher(nil)
		publisher.Subscribe(func(e *args) int { return 1 })

		require.ErrorIs(t, publisher.PublishE(&args{data: "x"}), ErrInvalidHandlerReturn)
	})
}
