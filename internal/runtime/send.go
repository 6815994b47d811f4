package runtime

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/beevik/etree"

	errspkg "github.com/drblury/herlink/internal/runtime/errors"
	"github.com/drblury/herlink/internal/runtime/ids"
	"github.com/drblury/herlink/internal/runtime/logging"
	"github.com/drblury/herlink/internal/runtime/xmlpayload"
	"github.com/drblury/herlink/transport"
)

// Send puts out on queue through the sender pool. A missing MessageID,
// ApplicationTimestamp or FromHerID is filled in.
func (c *Client) Send(ctx context.Context, queue string, out *transport.OutgoingMessage) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	if out.MessageID == "" {
		out.MessageID = ids.CreateULIDAt(c.clock.Now())
	}
	if out.ApplicationTimestamp.IsZero() {
		out.ApplicationTimestamp = c.clock.Now()
	}
	if out.FromHerID <= 0 {
		out.FromHerID = c.Conf.HerID
	}
	if out.To == "" {
		out.To = queue
	}

	// Acquire retries the open itself; only the send is retried here.
	snd, err := c.senders.Acquire(ctx, queue)
	if err != nil {
		return fmt.Errorf("acquire sender for %s: %w", queue, err)
	}
	defer c.senders.Release(queue)

	return c.executor.Run(ctx, "send "+queue, func(ctx context.Context) error {
		return snd.Send(ctx, out)
	})
}

// sendReply answers a synchronous request with doc. Replies to protected
// requests are protected for the requester.
func (c *Client) sendReply(ctx context.Context, req *IncomingMessage, doc *etree.Document) error {
	body, err := xmlpayload.Serialize(doc)
	if err != nil {
		return fmt.Errorf("serialize reply: %w", err)
	}

	contentType := req.ContentType
	if req.Protected {
		if c.protection == nil {
			return errspkg.ErrProtectionRequired
		}
		var cert *x509.Certificate
		if req.Profile != nil {
			cert = req.Profile.EncryptionCertificate
		}
		protected, err := c.protection.Protect(ctx, bytes.NewReader(body), cert)
		if err != nil {
			return fmt.Errorf("protect reply: %w", err)
		}
		if body, err = io.ReadAll(protected); err != nil {
			return fmt.Errorf("read protected reply: %w", err)
		}
		contentType = c.protection.ContentType()
	}

	queue, err := c.replyQueue(ctx, req)
	if err != nil {
		return err
	}

	out := &transport.OutgoingMessage{
		CorrelationID:   req.MessageID,
		MessageFunction: req.MessageFunction,
		FromHerID:       req.ToHerID,
		ToHerID:         req.FromHerID,
		ContentType:     contentType,
		CpaID:           req.CpaID,
		To:              queue,
		TimeToLive:      c.Conf.ReplyTimeToLive,
		Body:            body,
	}
	if err := c.Send(ctx, queue, out); err != nil {
		return fmt.Errorf("send reply to %s: %w", queue, err)
	}
	c.Logger.Debug("Sent synchronous reply", logging.LogFields{
		"queue":          queue,
		"message_id":     out.MessageID,
		"correlation_id": out.CorrelationID,
	})
	return nil
}

// replyQueue prefers the request's ReplyTo over the registered address.
func (c *Client) replyQueue(ctx context.Context, req *IncomingMessage) (string, error) {
	if req.ReplyTo != "" {
		return req.ReplyTo, nil
	}
	if c.addresses == nil || req.FromHerID <= 0 {
		return "", errspkg.ErrNoReplyAddress
	}
	party, err := c.addresses.FindCommunicationParty(ctx, req.FromHerID)
	if err != nil {
		return "", fmt.Errorf("find reply address for %d: %w", req.FromHerID, err)
	}
	if party == nil || party.SynchronousReplyQueueName == "" {
		return "", errspkg.ErrNoReplyAddress
	}
	return party.SynchronousReplyQueueName, nil
}
