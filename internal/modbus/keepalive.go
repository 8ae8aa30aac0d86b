package modbus

// keepAliveState is the actor-owned keep-alive bookkeeping.
type keepAliveState struct {
	failures int
}

// checkKeepAlive sends a keep-alive when the link has been quiet for the
// configured interval and nothing else is in flight.
func (l *Link) checkKeepAlive() {
	if l.State() != StateConnected || !l.opts.KeepAlive.Enabled {
		return
	}
	if l.pending.len() > 0 {
		return
	}
	if l.clock.Now().Sub(l.lastActivity) < l.opts.KeepAlive.Interval {
		return
	}
	l.sendKeepAlive(1)
}

func (l *Link) sendKeepAlive(attempt int) {
	tid, err := l.send(&pending{
		kind:     pendingKeepAlive,
		function: l.opts.KeepAlive.FunctionCode,
		address:  l.opts.KeepAlive.Address,
		quantity: 1,
		attempt:  attempt,
	})
	if err != nil {
		// A failed socket write already tore the link down.
		l.log.Warn().Err(err).Int("attempt", attempt).Msg("keep-alive send failed")
		return
	}
	l.metrics.KeepAlive("sent")
	l.log.Debug().Uint16("tid", tid).Int("attempt", attempt).Msg("keep-alive sent")
}

func (l *Link) keepAliveOK(tid uint16, outcome string) {
	l.keepAlive.failures = 0
	l.metrics.KeepAlive(outcome)
	l.log.Debug().Uint16("tid", tid).Str("outcome", outcome).Msg("keep-alive answered")
}

// keepAliveTimeout retries a lost keep-alive once, then declares the link lost.
func (l *Link) keepAliveTimeout(tid uint16, p *pending) {
	l.keepAlive.failures++
	l.metrics.KeepAlive("timeout")
	if p.attempt < 2 {
		l.log.Warn().Uint16("tid", tid).Msg("keep-alive timed out, retrying")
		l.sendKeepAlive(p.attempt + 1)
		return
	}
	l.lose(&TimeoutError{Op: "keep-alive", TransactionID: tid})
}
