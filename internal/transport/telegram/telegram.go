// Package telegram delivers messages and photos to a Telegram channel via
// telebot. The bot is send-only: it never polls for updates.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"boorubot/internal/booru"
	"boorubot/internal/transport"
	"boorubot/pkg/logx"
)

// maxCaption is Telegram's caption length limit.
const maxCaption = 1024

// maxCaptionTags bounds how many tags the caption lists.
const maxCaptionTags = 20

type Config struct {
	Token     string
	ChannelID int64
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// dl downloads image bytes before upload; separate client so its longer
	// timeout never affects API calls.
	dl *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg: cfg,
		log: log,
		bot: b,
		dl:  &http.Client{Timeout: 25 * time.Second},
	}, nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, text, &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to transport.ChatTarget, photo transport.Photo, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	p := &tele.Photo{
		File:    tele.FromReader(bytes.NewReader(photo.Data)),
		Caption: photo.Caption,
	}
	msg, err := a.bot.Send(chat, p, &tele.SendOptions{
		ParseMode: opt.ParseMode,
		ThreadID:  to.ThreadID,
	})
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// SendImage downloads the record's image and uploads it to the configured
// channel with a formatted caption. Downloading ourselves and sending the
// buffer is more reliable than handing Telegram the URL.
func (a *Adapter) SendImage(ctx context.Context, rec *booru.ImageRecord) error {
	data, err := a.download(ctx, rec.URL)
	if err != nil {
		return fmt.Errorf("download image: %w", err)
	}

	_, err = a.SendPhoto(ctx, transport.ChatTarget{ChatID: a.cfg.ChannelID}, transport.Photo{
		Data:    data,
		Caption: buildCaption(rec),
	}, nil)
	return err
}

func (a *Adapter) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.dl.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// buildCaption renders the labeled caption lines and clips the result to
// Telegram's hard limit.
func buildCaption(rec *booru.ImageRecord) string {
	var parts []string
	if rec.Author != "" {
		parts = append(parts, "Author: "+rec.Author)
	}
	if rec.Source != "" {
		parts = append(parts, "Source: "+rec.Source)
	}
	if len(rec.Tags) > 0 {
		tags := rec.Tags
		if len(tags) > maxCaptionTags {
			tags = tags[:maxCaptionTags]
		}
		parts = append(parts, "Tags: "+strings.Join(tags, ", "))
	}
	return clipCaption(strings.Join(parts, "\n"))
}

func clipCaption(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxCaption {
		return text
	}
	return string(r[:maxCaption-1]) + "…"
}
