// Command sqrlctl manages SQRL identities and signs in to SQRL sites.
package main

import (
	"errors"
	"fmt"
	"os"

	"sqrl-client/go-core/internal/config"
	"sqrl-client/go-core/internal/crypto"
	"sqrl-client/go-core/internal/identity"
	"sqrl-client/go-core/internal/protocol"
	"sqrl-client/go-core/internal/storage"
)

const (
	exitOK           = 0
	exitFailure      = 1
	exitInvalidInput = 10
	exitAuthFailed   = 20
	exitNetwork      = 30
	exitProtocol     = 40
)

func main() {
	root := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sqrlctl:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errAuthentication), errors.Is(err, crypto.ErrAuthenticationFailed):
		return exitAuthFailed
	case errors.Is(err, protocol.ErrTransport):
		return exitNetwork
	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, protocol.ErrSessionTerminated):
		return exitProtocol
	case errors.Is(err, errUsage), errors.Is(err, config.ErrInvalidLogN), errors.Is(err, config.ErrInvalidFormat),
		errors.Is(err, storage.ErrIdentityNotFound), errors.Is(err, storage.ErrNoCurrent),
		errors.Is(err, identity.ErrPasswordRequired), errors.Is(err, protocol.ErrInvalidLink):
		return exitInvalidInput
	default:
		return exitFailure
	}
}
