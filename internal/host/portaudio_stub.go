//go:build !portaudio || headless

package host

import "errors"

const portaudioAvailable = false

func newPortaudio(*Driver, Options) (Backend, error) {
	return nil, errors.New("host: built without portaudio (use -tags portaudio)")
}
