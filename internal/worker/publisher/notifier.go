package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fluidsim/internal/models"
	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
)

// Notifier posts job results to caller supplied URLs. Delivery is at most
// once and never affects the job.
type Notifier struct {
	client  *http.Client
	timeout time.Duration
	log     *logger.Logger
}

func NewNotifier(timeout time.Duration, log *logger.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Notifier{
		client:  &http.Client{},
		timeout: timeout,
		log:     log.WithComponent("notifier"),
	}
}

// Notify sends result in the background. The returned channel yields at
// most one NOTIFICATION_FAILED error and is then closed; callers may ignore
// it. Cancelling ctx does not abort the delivery.
func (n *Notifier) Notify(ctx context.Context, callbackURL string, result models.JobResult) <-chan error {
	errc := make(chan error, 1)
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer close(errc)

		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()

		log := n.log.WithJobID(result.JobID)
		if err := n.post(ctx, callbackURL, result); err != nil {
			log.Warn("callback failed", "url", callbackURL, "error", err.Error())
			errc <- errors.WrapWithCode(err, errors.CodeNotification, "publisher.notify", "callback failed")
			return
		}
		log.Debug("callback delivered", "url", callbackURL)
	}()

	return errc
}

func (n *Notifier) post(ctx context.Context, callbackURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64*1024))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("callback http %d", res.StatusCode)
	}
	return nil
}
