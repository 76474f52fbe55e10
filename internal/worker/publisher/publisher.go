// Package publisher moves finished artifacts to durable storage and tells
// callers about results.
package publisher

import (
	"context"
	"net/url"
	"os"
	"strings"

	"fluidsim/internal/pkg/errors"
	"fluidsim/internal/pkg/logger"
	"fluidsim/internal/ports"
)

const contentType = "video/mp4"

// Key is the storage key for a job's video. It depends only on the job id so
// publishing the same job twice replaces the first upload.
func Key(jobID string) string {
	return "renders/" + SanitizeID(jobID) + ".mp4"
}

// SanitizeID makes a job id safe to embed in an object key.
func SanitizeID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "job"
	}
	return s
}

type Publisher struct {
	sp ports.StorageProvider
	// publicBaseURL is where the API serves artifacts for providers that
	// have no public URL of their own.
	publicBaseURL string
	log           *logger.Logger
}

func New(sp ports.StorageProvider, publicBaseURL string, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Publisher{
		sp:            sp,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		log:           log.WithComponent("publisher"),
	}
}

// Publish uploads the artifact and returns its URL. The local file belongs
// to the publisher from here on and is removed after a successful upload.
func (p *Publisher) Publish(ctx context.Context, artifactPath, jobID string) (string, error) {
	const op = "publisher.publish"
	log := p.log.FromContext(ctx)
	key := Key(jobID)

	f, err := os.Open(artifactPath)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodePublish, op, "Upload failed: artifact unreadable")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodePublish, op, "Upload failed: artifact unreadable")
	}

	out, err := p.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: contentType,
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodePublish, op, "Upload failed").
			WithField("provider", p.sp.Provider())
	}

	locator, err := p.sp.ObjectURL(ctx, key)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodePublish, op, "Upload failed: no locator")
	}
	if locator == "" {
		locator = p.publicBaseURL + "/artifacts/" + url.PathEscape(jobID) + "/content"
	}

	_ = f.Close()
	if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove published artifact", "path", artifactPath, "error", err.Error())
	}

	log.Info("artifact published",
		"provider", p.sp.Provider(),
		"key", key,
		"object", out.ObjectKey,
		"size_bytes", out.Size,
	)
	return locator, nil
}
