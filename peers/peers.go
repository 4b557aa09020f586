// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

// Package peers provides support for wiring up groups of bus peers,
// mainly for testing.
package peers

import (
	"fmt"

	"github.com/buxtehude/buxtehude"
)

// Local is an in-process broker with a set of internal clients attached
// to it, one per team name. All clients are connected and running.
type Local struct {
	Server  *buxtehude.Server
	Clients map[string]*buxtehude.Client
}

// NewLocal constructs a broker and one running internal client for each
// of the given team names. The caller is responsible for calling Stop
// when no longer in use.
func NewLocal(teams ...string) (*Local, error) {
	l := &Local{
		Server:  buxtehude.NewServer(),
		Clients: make(map[string]*buxtehude.Client),
	}
	for _, team := range teams {
		c := buxtehude.NewClient(team)
		if err := c.ConnectInternal(l.Server); err != nil {
			l.Stop()
			return nil, fmt.Errorf("connect %q: %w", team, err)
		}
		l.Clients[team] = c
		if err := c.Run(); err != nil {
			l.Stop()
			return nil, fmt.Errorf("run %q: %w", team, err)
		}
	}
	return l, nil
}

// Stop closes all the clients and the broker.
func (l *Local) Stop() {
	for _, c := range l.Clients {
		c.Close()
	}
	l.Server.Close()
}
