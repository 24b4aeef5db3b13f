package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"synthtrack/internal/conf"
)

// Message is a single fetched mail message. Immutable once fetched.
type Message struct {
	ID      string
	Subject string
	From    string
	Date    time.Time
	Body    string
}

// Query selects inbox messages by subject/sender substring within a lookback window.
type Query struct {
	SubjectContains string
	FromContains    string
	Lookback        time.Duration
	Limit           int
}

// Fetcher retrieves raw messages from the mailbox.
type Fetcher interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is a live mailbox connection, scoped to one collection cycle.
type Session interface {
	Search(ctx context.Context, q Query) ([]Message, error)
	Close() error
}

// Client connects to an IMAP server using the mailbox settings from conf.
type Client struct {
	cfg    conf.EmailConfig
	logger *zap.Logger
}

// NewClient creates a new IMAP client
func NewClient(cfg conf.EmailConfig, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, logger: logger.Named("mailbox")}
}

// Connect dials the server and logs in. The caller must Close the session on
// every exit path.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if c.cfg.UseSSL {
		conn = tls.Client(conn, &tls.Config{ServerName: c.cfg.Server})
	}

	client := imapclient.New(conn, nil)
	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select inbox: %w", err)
	}

	c.logger.Info("connected to email server", zap.String("server", c.cfg.Server))
	return &imapSession{client: client, logger: c.logger}, nil
}

type imapSession struct {
	client *imapclient.Client
	logger *zap.Logger
}

// Search finds messages matching the query, newest first.
func (s *imapSession) Search(ctx context.Context, q Query) ([]Message, error) {
	criteria := &imap.SearchCriteria{}
	if q.Lookback > 0 {
		criteria.Since = time.Now().Add(-q.Lookback)
	}
	if q.SubjectContains != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "Subject", Value: q.SubjectContains,
		})
	}
	if q.FromContains != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "From", Value: q.FromContains,
		})
	}

	searchData, err := s.client.Search(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	seqNums := searchData.AllSeqNums()
	if len(seqNums) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	bufs, err := s.client.Fetch(imap.SeqSetNum(seqNums...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	msgs := make([]Message, 0, len(bufs))
	for _, buf := range bufs {
		if buf.Envelope == nil {
			s.logger.Warn("message without envelope, skipping", zap.Uint32("seq", buf.SeqNum))
			continue
		}
		from := ""
		if len(buf.Envelope.From) > 0 {
			from = buf.Envelope.From[0].Addr()
		}
		msgs = append(msgs, Message{
			ID:      fmt.Sprintf("%d", buf.SeqNum),
			Subject: buf.Envelope.Subject,
			From:    from,
			Date:    buf.Envelope.Date,
			Body:    string(buf.FindBodySection(bodySection)),
		})
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Date.After(msgs[j].Date) })
	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[:q.Limit]
	}
	return msgs, nil
}

// Close logs out and closes the connection.
func (s *imapSession) Close() error {
	err := s.client.Logout().Wait()
	_ = s.client.Close()
	return err
}
