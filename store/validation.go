package store

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var ErrMailboxName = errors.New("invalid mailbox name")

// CheckMailboxName checks and normalizes a mailbox name from a client. Names
// are NFC-normalized, "Inbox" is matched case-insensitively, trailing slashes
// are removed.
func CheckMailboxName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimRight(name, "/"))
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrMailboxName)
	}

	first, rest, _ := strings.Cut(name, "/")
	if strings.EqualFold(first, "inbox") {
		if rest != "" {
			name = "Inbox/" + rest
		} else {
			name = "Inbox"
		}
	}

	for _, elem := range strings.Split(name, "/") {
		if elem == "" {
			return "", fmt.Errorf("%w: empty hierarchy element", ErrMailboxName)
		}
	}
	for _, c := range name {
		switch {
		case c < ' ' || c == 0x7f:
			return "", fmt.Errorf("%w: control character", ErrMailboxName)
		case c == '*' || c == '%':
			return "", fmt.Errorf("%w: wildcard character %q", ErrMailboxName, c)
		}
	}
	return name, nil
}
