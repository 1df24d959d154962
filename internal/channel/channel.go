// Package channel maps (logical channel, site) pairs onto the single wire
// channel string used by the backlog store and the transport.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins a channel and its site on the wire. A wire channel without
// it belongs to no site.
const Separator = "$|$"

var ErrInvalidChannelName = errors.New("invalid channel name")

func Validate(channel string) error {
	if channel == "" {
		return fmt.Errorf("%w: channel is empty", ErrInvalidChannelName)
	}
	// A trailing "$|" would run into the separator and decode differently.
	if strings.Contains(channel+"$", Separator) {
		return fmt.Errorf("%w: %q contains or ends into %q", ErrInvalidChannelName, channel, Separator)
	}
	return nil
}

func Encode(channel, site string) (string, error) {
	if err := Validate(channel); err != nil {
		return "", err
	}
	if strings.Contains(site, Separator) {
		return "", fmt.Errorf("%w: site %q contains %q", ErrInvalidChannelName, site, Separator)
	}
	if site == "" {
		return channel, nil
	}
	return channel + Separator + site, nil
}

func Decode(wire string) (channel, site string, err error) {
	channel, site, found := strings.Cut(wire, Separator)
	if found && site == "" {
		return "", "", fmt.Errorf("%w: %q has an empty site", ErrInvalidChannelName, wire)
	}
	if err := Validate(channel); err != nil {
		return "", "", err
	}
	if strings.Contains(site, Separator) {
		return "", "", fmt.Errorf("%w: %q has more than one site separator", ErrInvalidChannelName, wire)
	}
	return channel, site, nil
}

// Reserved returns a store key that Encode can never produce, for logs the
// bus keeps for itself.
func Reserved(name string) string {
	return Separator + name
}
