package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

type shoutrrrRouter interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrChannel sends a plain text alert to any shoutrrr service URL
// (ntfy, slack, discord, ...).
type ShoutrrrChannel struct {
	router shoutrrrRouter
}

func NewShoutrrrChannel(urls ...string) (*ShoutrrrChannel, error) {
	r, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	return &ShoutrrrChannel{router: r}, nil
}

func (c *ShoutrrrChannel) Name() string { return "shoutrrr" }

func (c *ShoutrrrChannel) ShouldNotify(*models.IssueGroup, *models.Occurrence) bool { return true }

func (c *ShoutrrrChannel) Send(_ context.Context, g *models.IssueGroup, occ *models.Occurrence) error {
	p := NewPayload(g, occ)
	params := types.Params{}
	params.SetTitle(p.Subject())

	var errs []error
	for _, err := range c.router.Send(plainText(p), &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shoutrrr: %w", errors.Join(errs...))
	}
	return nil
}

func plainText(p Payload) string {
	text := fmt.Sprintf("%s: %s\nOccurrences: %d", p.ExceptionClass, p.Message, p.OccurrencesCount)
	if p.Location != "" {
		text += "\nLocation: " + p.Location
	}
	if p.Environment != "" {
		text += "\nEnvironment: " + p.Environment
	}
	return text
}
