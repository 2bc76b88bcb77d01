package mailbox

import (
	"log/slog"
)

// Session is the subset of Client the scanner and the message view need.
// Tests substitute a fake; *Client is the production implementation.
type Session interface {
	SelectFolder(folder string) (*FolderStatus, error)
	SearchAbove(afterUID uint32) ([]uint32, error)
	FetchCandidates(uids []uint32) ([]Fetched, error)
	FetchAttachmentFlag(uid uint32) (bool, error)
	FetchRaw(uid uint32) ([]byte, error)
	MarkSeen(uid uint32) error
	Delete(uid uint32) error
}

// FolderScan is the outcome of scanning one folder. Watermark is the
// highest UID observed during the scan — including messages the unread
// filter excluded — or the seeded value on a first visit. HasWatermark
// is false only for a first visit to an empty folder, which records
// nothing.
type FolderScan struct {
	Folder     string
	Epoch      uint32
	FirstVisit bool

	Watermark    uint32
	HasWatermark bool

	// Candidates are the messages to evaluate, in ascending UID order.
	Candidates []Fetched
}

// Scan selects a folder and determines its candidate messages.
//
// First visit (no stored watermark for the folder's current epoch): the
// current highest UID is recorded as the watermark and no candidates are
// yielded, so a freshly configured folder never floods downstream with
// its backlog. A changed UIDVALIDITY looks exactly like a first visit,
// which is the intended handling of an epoch reset.
//
// Subsequent visits list UIDs strictly above the stored watermark and
// fetch their flags and headers. When unreadFilter is non-nil, messages
// whose read state does not match are excluded from the candidates but
// still advance the watermark — a message filtered for being read is
// never reconsidered on a later run.
// lookup resolves the stored watermark for an epoch; it is consulted
// only after folder selection reveals the current UIDVALIDITY.
func Scan(s Session, folder string, lookup func(epoch uint32) (uint32, bool), unreadFilter *bool, logger *slog.Logger) (*FolderScan, error) {
	if logger == nil {
		logger = slog.Default()
	}

	status, err := s.SelectFolder(folder)
	if err != nil {
		return nil, err
	}

	scan := &FolderScan{
		Folder: folder,
		Epoch:  status.Epoch,
	}

	stored, haveStored := lookup(status.Epoch)
	if !haveStored {
		scan.FirstVisit = true
		max, ok := status.MaxUID()
		if !ok {
			if status.NumMessages == 0 {
				logger.Info("first visit to empty folder", "folder", folder, "epoch", status.Epoch)
				return scan, nil
			}
			// Server did not report UIDNEXT; derive the maximum by search.
			uids, err := s.SearchAbove(0)
			if err != nil {
				return nil, err
			}
			if len(uids) == 0 {
				return scan, nil
			}
			max = uids[len(uids)-1]
		}
		scan.Watermark = max
		scan.HasWatermark = true
		logger.Info("first visit, seeding watermark",
			"folder", folder,
			"epoch", status.Epoch,
			"watermark", max,
		)
		return scan, nil
	}

	scan.Watermark = stored
	scan.HasWatermark = true

	uids, err := s.SearchAbove(stored)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return scan, nil
	}

	fetched, err := s.FetchCandidates(uids)
	if err != nil {
		return nil, err
	}

	for _, msg := range fetched {
		if msg.UID > scan.Watermark {
			scan.Watermark = msg.UID
		}
		if unreadFilter != nil && msg.Unread != *unreadFilter {
			logger.Debug("excluded by read-state filter",
				"folder", folder,
				"uid", msg.UID,
				"unread", msg.Unread,
			)
			continue
		}
		scan.Candidates = append(scan.Candidates, msg)
	}

	logger.Debug("folder scanned",
		"folder", folder,
		"epoch", status.Epoch,
		"new", len(fetched),
		"candidates", len(scan.Candidates),
		"watermark", scan.Watermark,
	)
	return scan, nil
}
