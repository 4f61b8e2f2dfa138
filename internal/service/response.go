package service

import (
	"fmt"

	"github.com/danmuck/sfipc/internal/cmif"
	"github.com/danmuck/sfipc/internal/hipc"
)

// parseResponse validates the answer in buf and returns it with the
// payload located. A failing result code comes back as *RemoteError.
func parseResponse(buf []byte, s Session, outSize int) (*cmif.Response, error) {
	res, err := cmif.ParseResponse(buf, s.IsDomain(), outSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if res.Result.Failed() {
		return nil, &RemoteError{Result: res.Result}
	}
	return res, nil
}

// extractObjects turns the next n output objects into Sessions. On a domain
// session they are children sharing the parent's handle; otherwise each
// arrives as a move handle and becomes an owning root.
func extractObjects(res *cmif.Response, parent Session, n int) ([]Session, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Session, 0, n)
	for i := 0; i < n; i++ {
		if parent.IsDomain() {
			id, err := res.Object()
			if err != nil {
				return out, fmt.Errorf("%w: output object %d: %w", ErrMalformedResponse, i, err)
			}
			if id == 0 {
				return out, fmt.Errorf("%w: output object %d has id 0", ErrMalformedResponse, i)
			}
			out = append(out, newDomainChild(parent, id))
			continue
		}
		h, err := res.MoveHandle()
		if err != nil {
			return out, fmt.Errorf("%w: output object %d: %w", ErrMalformedResponse, i, err)
		}
		out = append(out, newOwnedChild(parent, h))
	}
	return out, nil
}

// extractHandles reads one handle per non-None attr, in slot order.
func extractHandles(res *cmif.Response, attrs [MaxBuffers]OutHandleAttr) ([]hipc.Handle, error) {
	var out []hipc.Handle
	for i, attr := range attrs {
		var (
			h   hipc.Handle
			err error
		)
		switch attr {
		case OutHandleNone:
			continue
		case OutHandleCopy:
			h, err = res.CopyHandle()
		case OutHandleMove:
			h, err = res.MoveHandle()
		default:
			return out, fmt.Errorf("%w: unknown out handle attr %d in slot %d", ErrInvalidRequest, attr, i)
		}
		if err != nil {
			return out, fmt.Errorf("%w: out handle slot %d: %w", ErrMalformedResponse, i, err)
		}
		out = append(out, h)
	}
	return out, nil
}
