// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package buxtehude

import "expvar"

// serverMetrics record broker activity counters.
type serverMetrics struct {
	sessionsActive    expvar.Int // sessions currently in the table
	framesIn          expvar.Int // frames decoded from socket peers
	messagesRouted    expvar.Int // deliveries to destination sessions
	errorsSent        expvar.Int // $$error messages sent to peers
	disconnectNotices expvar.Int // $$disconnect notices broadcast

	emap *expvar.Map
}

func newServerMetrics() *serverMetrics {
	sm := &serverMetrics{emap: new(expvar.Map)}
	sm.emap.Set("sessions_active", &sm.sessionsActive)
	sm.emap.Set("frames_in", &sm.framesIn)
	sm.emap.Set("messages_routed", &sm.messagesRouted)
	sm.emap.Set("errors_sent", &sm.errorsSent)
	sm.emap.Set("disconnect_notices", &sm.disconnectNotices)
	return sm
}

// Metrics reports the broker's activity counters. The map shares state
// with the server and reflects later activity.
func (s *Server) Metrics() *expvar.Map { return s.metrics.emap }
