// Package capture produces camera output for the relay: still frames from a
// UVC device, or an encoded stream from an encoder subprocess.
package capture

import "context"

// Source runs until ctx is cancelled or the device fails. A nil return means
// the source stopped because ctx was cancelled.
type Source interface {
	Run(ctx context.Context) error
}

// FramePublisher receives decoded-and-verified JPEG stills.
type FramePublisher interface {
	PublishFrame(jpeg []byte)
}

// PublishFunc receives raw encoder output. b is reused after it returns.
type PublishFunc func(b []byte) error
