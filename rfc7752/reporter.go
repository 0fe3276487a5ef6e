/*
Package rfc7752 pushes LSOE session snapshots to a northbound consumer
over HTTP.

Each snapshot is serialized as a JSON document and POSTed to the
configured URL.  The "unique" member carries one stable identifier per
session so the consumer can deduplicate repeated pushes.  Delivery is
asynchronous and best-effort: the protocol engine is never blocked on
the consumer, and a snapshot superseded before it could be delivered
is simply skipped.
*/
package rfc7752

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/arrcus/go-lsoe/lsoe"
)

const defaultTimeout = 10 * time.Second

// Reporter POSTs session snapshots to one URL.
type Reporter struct {
	logger log.Logger
	url    string
	client *http.Client
	pushCh chan *lsoe.Snapshot
	doneCh chan struct{}
}

// New creates a reporter delivering to the given URL and starts its
// delivery goroutine.
func New(logger log.Logger, url string) *Reporter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Reporter{
		logger: logger,
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		pushCh: make(chan *lsoe.Snapshot, 1),
		doneCh: make(chan struct{}),
	}
	go r.run()
	return r
}

// Report implements the lsoe.Reporter interface.  The latest snapshot
// always wins: if one is already queued it is replaced.
func (r *Reporter) Report(snapshot *lsoe.Snapshot) {
	for {
		select {
		case r.pushCh <- snapshot:
			return
		default:
			select {
			case <-r.pushCh:
			default:
			}
		}
	}
}

// Close stops the delivery goroutine.  Queued snapshots are dropped.
func (r *Reporter) Close() {
	close(r.doneCh)
}

func (r *Reporter) run() {
	for {
		select {
		case <-r.doneCh:
			return
		case snapshot := <-r.pushCh:
			if err := r.push(snapshot); err != nil {
				level.Error(r.logger).Log("message", "northbound push failed",
					"url", r.url, "error", err)
			} else {
				level.Debug(r.logger).Log("message", "northbound push",
					"url", r.url, "sessions", len(snapshot.Sessions))
			}
		}
	}
}

func (r *Reporter) push(snapshot *lsoe.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	resp, err := r.client.Post(r.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{status: resp.Status}
	}
	return nil
}

type statusError struct {
	status string
}

func (e *statusError) Error() string {
	return "unexpected response status " + e.status
}
