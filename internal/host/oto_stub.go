//go:build headless

package host

import "errors"

const otoAvailable = false

func newOto(*Driver, Options) (Backend, error) {
	return nil, errors.New("host: built without oto")
}
