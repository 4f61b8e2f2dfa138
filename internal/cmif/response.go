package cmif

import (
	"encoding/binary"

	"github.com/danmuck/sfipc/internal/hipc"
)

// Response is a parsed command response. Objects and handles are consumed
// in order through the cursor methods.
type Response struct {
	Result hipc.Result
	Data   []byte
	PID    uint64

	objects     []uint32
	copyHandles []hipc.Handle
	moveHandles []hipc.Handle
}

// ParseResponse decodes the answer in buf. size is the payload size the
// caller expects; on domain sessions it also locates the output object ids.
// A failed Result is returned with a nil error and no outputs populated.
func ParseResponse(buf []byte, isDomain bool, size int) (*Response, error) {
	msg, err := hipc.ParseResponse(buf)
	if err != nil {
		return nil, err
	}
	start := alignedDataStart(msg.DataWordsOffset)
	hdr := start
	numObjects := 0
	if isDomain {
		if start+domainOutHeaderSize > len(buf) {
			return nil, ErrTruncated
		}
		numObjects = int(binary.LittleEndian.Uint32(buf[start:]))
		hdr = start + domainOutHeaderSize
	}
	if hdr+outHeaderSize > len(buf) {
		return nil, ErrTruncated
	}
	if binary.LittleEndian.Uint32(buf[hdr:]) != OutHeaderMagic {
		return nil, ErrInvalidOutHeader
	}
	res := &Response{
		Result: hipc.Result(binary.LittleEndian.Uint32(buf[hdr+8:])),
		PID:    msg.PID,
	}
	if res.Result.Failed() {
		return res, nil
	}

	dataOff := hdr + outHeaderSize
	if size < 0 || dataOff+size > len(buf) {
		return nil, ErrTruncated
	}
	res.Data = buf[dataOff : dataOff+size]

	if isDomain && numObjects > 0 {
		objOff := dataOff + size
		if objOff+4*numObjects > len(buf) {
			return nil, ErrTruncated
		}
		res.objects = make([]uint32, numObjects)
		for i := range res.objects {
			res.objects[i] = binary.LittleEndian.Uint32(buf[objOff+4*i:])
		}
	}
	res.copyHandles = msg.CopyHandles
	res.moveHandles = msg.MoveHandles
	return res, nil
}

// Object returns the next output domain object id.
func (r *Response) Object() (uint32, error) {
	if len(r.objects) == 0 {
		return 0, ErrMissingObject
	}
	id := r.objects[0]
	r.objects = r.objects[1:]
	return id, nil
}

func (r *Response) CopyHandle() (hipc.Handle, error) {
	if len(r.copyHandles) == 0 {
		return hipc.InvalidHandle, ErrMissingHandle
	}
	h := r.copyHandles[0]
	r.copyHandles = r.copyHandles[1:]
	return h, nil
}

func (r *Response) MoveHandle() (hipc.Handle, error) {
	if len(r.moveHandles) == 0 {
		return hipc.InvalidHandle, ErrMissingHandle
	}
	h := r.moveHandles[0]
	r.moveHandles = r.moveHandles[1:]
	return h, nil
}

// Drain returns the object ids and handles the cursor methods have not
// consumed and leaves none behind. Copy handles come before move handles.
func (r *Response) Drain() (objects []uint32, handles []hipc.Handle) {
	objects = r.objects
	handles = append(append([]hipc.Handle(nil), r.copyHandles...), r.moveHandles...)
	r.objects, r.copyHandles, r.moveHandles = nil, nil, nil
	return objects, handles
}
