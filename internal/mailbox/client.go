// Package mailbox wraps go-imap/v2 with the session operations the
// watcher needs: folder selection with UIDVALIDITY (the epoch that
// scopes every UID), UID searches above a watermark, header/structure/raw
// fetches, and flag mutations. One Client holds one IMAP connection; all
// operations run sequentially on it.
package mailbox

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/paul-sx/huginn-imap-to-mattermost-agent/internal/config"
)

// FolderStatus describes a selected folder. Epoch is the server's
// UIDVALIDITY: UIDs are only meaningful while it stays unchanged.
type FolderStatus struct {
	Name        string
	Epoch       uint32
	NumMessages uint32
	UIDNext     uint32
}

// MaxUID returns the highest UID that can currently exist in the folder
// and whether the folder has any messages at all. It is derived from
// UIDNEXT, which some servers omit; callers fall back to a UID search in
// that case.
func (f *FolderStatus) MaxUID() (uint32, bool) {
	if f.NumMessages == 0 {
		return 0, false
	}
	if f.UIDNext > 0 {
		return f.UIDNext - 1, true
	}
	return 0, false
}

// Fetched is one message pulled during a scan: its UID, read state, and
// raw RFC 5322 header bytes.
type Fetched struct {
	UID    uint32
	Unread bool
	Header []byte
}

// Client is a single-connection IMAP session. It is not safe for
// concurrent use; the watcher runs strictly sequentially on one session.
type Client struct {
	cfg    config.IMAPConfig
	logger *slog.Logger
	client *imapclient.Client
}

// Dial connects to the configured IMAP server. Authentication is a
// separate step (Login) so connection and credential failures surface
// as distinct error kinds.
func Dial(cfg config.IMAPConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	useTLS := cfg.UseTLS()

	logger.Debug("connecting to IMAP server", "host", cfg.Host, "port", cfg.Port, "tls", useTLS)

	var cli *imapclient.Client
	var err error
	if useTLS {
		cli, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: cfg.Host},
		})
	} else {
		cli, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, addr, err)
	}

	return &Client{cfg: cfg, logger: logger, client: cli}, nil
}

// Login authenticates the session with the configured credentials.
func (c *Client) Login() error {
	if err := c.client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("%w: login as %s: %w", ErrAuth, c.cfg.Username, err)
	}
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// Close logs out and closes the connection. Safe to call on every exit
// path, including after a failed login.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// SelectFolder selects a mailbox and returns its status, including the
// UIDVALIDITY epoch.
func (c *Client) SelectFolder(folder string) (*FolderStatus, error) {
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: select %s: %w", ErrProtocol, folder, err)
	}

	status := &FolderStatus{
		Name:        folder,
		Epoch:       data.UIDValidity,
		NumMessages: data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
	}
	c.logger.Debug("folder selected",
		"folder", folder,
		"epoch", status.Epoch,
		"messages", status.NumMessages,
	)
	return status, nil
}

// SearchAbove returns the UIDs strictly greater than afterUID in the
// selected folder, in ascending order. afterUID of zero lists the whole
// folder.
func (c *Client) SearchAbove(afterUID uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(afterUID + 1), Stop: 0}},
		},
	}

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("%w: uid search above %d: %w", ErrProtocol, afterUID, err)
	}

	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchCandidates fetches flags and header bytes for the given UIDs.
// Results come back in ascending UID order. Messages the server no
// longer has (expunged mid-scan) are silently absent from the result.
func (c *Client) FetchCandidates(uids []uint32) ([]Fetched, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	headerSection := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		BodySection: []*imap.FetchItemBodySection{headerSection},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var out []Fetched
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var f Fetched
		f.Unread = true
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				f.UID = uint32(data.UID)
			case imapclient.FetchItemDataFlags:
				for _, flag := range data.Flags {
					if flag == imap.FlagSeen {
						f.Unread = false
					}
				}
			case imapclient.FetchItemDataBodySection:
				// Consume the literal immediately. go-imap/v2 streams
				// from the connection; deferring the read loses the data.
				if data.Literal == nil {
					continue
				}
				header, err := io.ReadAll(data.Literal)
				if err != nil {
					c.logger.Debug("error reading header literal", "uid", f.UID, "error", err)
					continue
				}
				f.Header = header
			}
		}

		if f.UID == 0 {
			c.logger.Debug("skipping fetch item without UID")
			continue
		}
		out = append(out, f)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("%w: fetch headers: %w", ErrProtocol, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// FetchAttachmentFlag fetches the message's BODYSTRUCTURE and reports
// whether it carries attachments. This is the secondary round-trip
// behind the has_attachment condition; the message view memoizes it.
func (c *Client) FetchAttachmentFlag(uid uint32) (bool, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchOpts := &imap.FetchOptions{
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var has bool
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			if data, ok := item.(imapclient.FetchItemDataBodyStructure); ok {
				has = structureHasAttachment(data.BodyStructure)
			}
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return false, fmt.Errorf("%w: fetch structure uid %d: %w", ErrProtocol, uid, err)
	}
	return has, nil
}

// FetchRaw fetches the complete raw message (headers and body). This is
// the secondary round-trip behind body conditions, attachment uploads,
// and raw export; the message view memoizes the result.
func (c *Client) FetchRaw(uid uint32) ([]byte, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	section := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var raw []byte
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			data, ok := item.(imapclient.FetchItemDataBodySection)
			if !ok || data.Literal == nil {
				continue
			}
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, data.Literal); err != nil {
				c.logger.Debug("error reading raw literal", "uid", uid, "error", err)
				continue
			}
			raw = buf.Bytes()
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("%w: fetch raw uid %d: %w", ErrProtocol, uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: fetch raw uid %d: empty response", ErrProtocol, uid)
	}
	return raw, nil
}

// MarkSeen adds the \Seen flag to one message.
func (c *Client) MarkSeen(uid uint32) error {
	return c.storeFlag(uid, imap.FlagSeen)
}

// Delete flags one message \Deleted and expunges the folder.
func (c *Client) Delete(uid uint32) error {
	if err := c.storeFlag(uid, imap.FlagDeleted); err != nil {
		return err
	}
	if err := c.client.Expunge().Close(); err != nil {
		return fmt.Errorf("%w: expunge uid %d: %w", ErrProtocol, uid, err)
	}
	return nil
}

func (c *Client) storeFlag(uid uint32, flag imap.Flag) error {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	storeCmd := c.client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("%w: store %s uid %d: %w", ErrProtocol, flag, uid, err)
	}
	return nil
}
