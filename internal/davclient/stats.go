package davclient

import (
	"sync/atomic"
	"time"
)

// httpStats tracks payload traffic of the client.
type httpStats struct {
	bytesSent  atomic.Int64
	bytesRecv  atomic.Int64
	requests   atomic.Int64
	lastSentNs atomic.Int64
	lastRecvNs atomic.Int64

	lastErrorValue atomic.Value // string
}

func newHTTPStats() *httpStats {
	s := &httpStats{}
	s.lastErrorValue.Store("")
	return s
}

func (s *httpStats) onSend(n int) {
	s.requests.Add(1)
	if n <= 0 {
		return
	}
	s.bytesSent.Add(int64(n))
	s.lastSentNs.Store(time.Now().UnixNano())
}

func (s *httpStats) onRecv(n int) {
	if n <= 0 {
		return
	}
	s.bytesRecv.Add(int64(n))
	s.lastRecvNs.Store(time.Now().UnixNano())
}

func (s *httpStats) setLastError(err error) {
	if err == nil {
		return
	}
	s.lastErrorValue.Store(err.Error())
}

type Stats struct {
	Requests  int64
	BytesSent int64
	BytesRecv int64
	LastSent  time.Time
	LastRecv  time.Time
	LastError string
}

func (s *httpStats) snapshot() Stats {
	out := Stats{
		Requests:  s.requests.Load(),
		BytesSent: s.bytesSent.Load(),
		BytesRecv: s.bytesRecv.Load(),
		LastError: s.lastErrorValue.Load().(string),
	}
	if ns := s.lastSentNs.Load(); ns > 0 {
		out.LastSent = time.Unix(0, ns)
	}
	if ns := s.lastRecvNs.Load(); ns > 0 {
		out.LastRecv = time.Unix(0, ns)
	}
	return out
}
