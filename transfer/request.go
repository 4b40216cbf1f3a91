package transfer

import (
	"errors"
	"fmt"

	"filebridge/bridge"
	"filebridge/selection"
)

var ErrInvalidRequest = errors.New("invalid transfer request")

// Request describes a job. Either Entries or Selection is set.
type Request struct {
	Op Op

	// Entries are explicit sources. Dest lives on DestSide: a directory when
	// there are several entries, the target path for a single one (or the
	// directory to put it in when that directory exists and Exact is unset).
	// Rename uses Dest as the new path on the entry's own side.
	Entries  []bridge.Entry
	Dest     string
	DestSide bridge.Side
	Exact    bool

	// Selection records carry their own destination directory.
	Selection []selection.Record

	BestEffort bool
	// IgnoreMissing completes items whose source has vanished.
	IgnoreMissing bool
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// plan turns a request into items without touching any provider.
func plan(req Request) ([]*Item, error) {
	if len(req.Entries) > 0 && len(req.Selection) > 0 {
		return nil, invalid("entries and selection are exclusive")
	}
	if len(req.Entries) == 0 && len(req.Selection) == 0 {
		return nil, invalid("nothing to %s", req.Op)
	}

	switch req.Op {
	case Delete:
		if len(req.Selection) > 0 {
			return nil, invalid("delete takes explicit entries")
		}
		items := make([]*Item, 0, len(req.Entries))
		for _, e := range req.Entries {
			items = append(items, &Item{Source: e, DestSide: e.Side})
		}
		return items, nil

	case Rename:
		if len(req.Entries) != 1 || req.Dest == "" {
			return nil, invalid("rename takes one entry and a new path")
		}
		e := req.Entries[0]
		return []*Item{{Source: e, DestSide: e.Side, Dest: req.Dest}}, nil

	case Copy, Move, SaveAs:
	default:
		return nil, invalid("unknown operation %d", req.Op)
	}

	if len(req.Selection) > 0 {
		items := make([]*Item, 0, len(req.Selection))
		for i := range req.Selection {
			r := req.Selection[i]
			items = append(items, &Item{
				Source:   r.Entry,
				DestSide: r.Entry.Side.Other(),
				Dest:     r.Destination(),
				record:   &r,
			})
		}
		return items, nil
	}

	if req.Dest == "" {
		return nil, invalid("%s needs a destination", req.Op)
	}
	if req.Op == SaveAs && len(req.Entries) != 1 {
		return nil, invalid("save as takes exactly one entry")
	}

	items := make([]*Item, 0, len(req.Entries))
	if len(req.Entries) == 1 {
		e := req.Entries[0]
		items = append(items, &Item{
			Source:   e,
			DestSide: req.DestSide,
			Dest:     req.Dest,
			intoDir:  !req.Exact && req.Op != SaveAs,
		})
		return items, nil
	}
	for _, e := range req.Entries {
		items = append(items, &Item{
			Source:   e,
			DestSide: req.DestSide,
			Dest:     req.DestSide.Join(req.Dest, baseName(e)),
		})
	}
	return items, nil
}

func baseName(e bridge.Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Side.Base(e.Path)
}
