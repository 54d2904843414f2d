package pgmrxw

import "time"

// TimerConfig carries the intervals and retry limits the NAK state machine
// needs to drive BACK_OFF/WAIT_NCF/WAIT_DATA transitions.
type TimerConfig struct {
	NakRepeatIvl   time.Duration
	NakRdataIvl    time.Duration
	NakDataRetries int
	NakNcfRetries  int
}

// ProcessTimers advances the NAK state machine: BACK_OFF entries whose
// back-off has elapsed are reported for NAK transmission and moved to
// WAIT_NCF; WAIT_NCF/WAIT_DATA entries whose repeat interval has elapsed
// either retry (back to BACK_OFF, incrementing their retry counter) or, once
// their retry budget is exhausted, are force-declared LOST_DATA. It returns
// the sequence numbers that need a NAK sent now and the sequence numbers
// that just became unrecoverably lost.
func (w *Window) ProcessTimers(now time.Time, cfg TimerConfig) (toNak, lost []uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for e := w.backOff.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*Entry)
		if entry.TimerExpiry.After(now) {
			e = next
			continue
		}
		entry.NakTransmitCount++
		toNak = append(toNak, entry.Sqn)
		w.setState(entry, StateWaitNcf)
		entry.TimerExpiry = now.Add(cfg.NakRepeatIvl)
		e = next
	}

	for e := w.waitNcf.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*Entry)
		if entry.TimerExpiry.After(now) {
			e = next
			continue
		}
		entry.NcfRetryCount++
		if entry.NcfRetryCount > cfg.NakNcfRetries {
			w.setState(entry, StateLostData)
			w.cumulativeLosses++
			lost = append(lost, entry.Sqn)
		} else {
			w.setState(entry, StateBackOff)
			entry.TimerExpiry = now
		}
		e = next
	}

	for e := w.waitData.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*Entry)
		if entry.TimerExpiry.After(now) {
			e = next
			continue
		}
		entry.DataRetryCount++
		if entry.DataRetryCount > cfg.NakDataRetries {
			w.setState(entry, StateLostData)
			w.cumulativeLosses++
			lost = append(lost, entry.Sqn)
		} else {
			w.setState(entry, StateBackOff)
			entry.TimerExpiry = now
		}
		e = next
	}

	return toNak, lost
}

// NextExpiry returns the earliest TimerExpiry across all queued entries,
// for the socket timer engine's min-across-components computation. ok is
// false if no entry is currently queued.
func (w *Window) NextExpiry() (t time.Time, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var earliest time.Time
	found := false
	consider := func(e *Entry) {
		if !found || e.TimerExpiry.Before(earliest) {
			earliest = e.TimerExpiry
			found = true
		}
	}
	for e := w.backOff.Front(); e != nil; e = e.Next() {
		consider(e.Value.(*Entry))
	}
	for e := w.waitNcf.Front(); e != nil; e = e.Next() {
		consider(e.Value.(*Entry))
	}
	for e := w.waitData.Front(); e != nil; e = e.Next() {
		consider(e.Value.(*Entry))
	}
	return earliest, found
}
