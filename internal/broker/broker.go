// Package broker publishes alerts to the message bus.
package broker

import "errors"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broker: closed")

// Message is one published record.
type Message struct {
	Topic string
	Key   string
	Value []byte
}
