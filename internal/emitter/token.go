package emitter

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// completedToken is an mqtt.Token that is already done
type completedToken struct {
	err  error
	done chan struct{}
}

// newCompletedToken returns a finished token carrying err (nil for success)
func newCompletedToken(err error) mqtt.Token {
	done := make(chan struct{})
	close(done)
	return &completedToken{err: err, done: done}
}

func (t *completedToken) Wait() bool                     { return true }
func (t *completedToken) WaitTimeout(time.Duration) bool { return true }
func (t *completedToken) Done() <-chan struct{}          { return t.done }
func (t *completedToken) Error() error                   { return t.err }
