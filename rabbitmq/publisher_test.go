package rabbitmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/streadway/amqp"
)

func TestIsConnClosedErr(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"amqp closed", amqp.ErrClosed, true},
		{"wrapped amqp closed", fmt.Errorf("publish: %w", amqp.ErrClosed), true},
		{"broker close message", errors.New(`Exception (504) Reason: "channel/connection is not open"`), true},
		{"unrelated", errors.New("access refused"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isConnClosedErr(tc.err); got != tc.want {
				t.Errorf("isConnClosedErr(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
