package fetch

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

const readChunk = 32 * 1024

var errBadPadding = errors.New("bad PKCS#7 padding")

// cbcReader decrypts an AES-128-CBC stream on the fly. The last decrypted
// block is held back until the source hits EOF so padding can be removed.
type cbcReader struct {
	src     io.Reader
	mode    cipher.BlockMode
	scratch []byte
	partial []byte // ciphertext short of a full block
	plain   []byte // decrypted, not yet returned
	done    bool
	err     error
}

func newCBCReader(src io.Reader, key, iv []byte) (*cbcReader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &cbcReader{
		src:     src,
		mode:    cipher.NewCBCDecrypter(block, iv),
		scratch: make([]byte, readChunk),
	}, nil
}

func (r *cbcReader) Read(p []byte) (int, error) {
	for {
		hold := aes.BlockSize
		if r.done {
			hold = 0
		}
		if len(r.plain) > hold {
			n := copy(p, r.plain[:len(r.plain)-hold])
			r.plain = r.plain[n:]
			return n, nil
		}
		if r.done {
			return 0, r.err
		}
		r.fill()
	}
}

func (r *cbcReader) fill() {
	n, err := r.src.Read(r.scratch)
	r.partial = append(r.partial, r.scratch[:n]...)

	if full := len(r.partial) / aes.BlockSize * aes.BlockSize; full > 0 {
		start := len(r.plain)
		r.plain = append(r.plain, r.partial[:full]...)
		r.mode.CryptBlocks(r.plain[start:], r.plain[start:])
		r.partial = r.partial[:copy(r.partial, r.partial[full:])]
	}

	switch {
	case err == io.EOF:
		r.done = true
		r.err = io.EOF
		if len(r.partial) != 0 {
			r.plain = nil
			r.err = fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrSegmentBroken)
			return
		}
		plain, perr := unpad(r.plain)
		if perr != nil {
			r.plain = nil
			r.err = fmt.Errorf("%w: %w", ErrSegmentBroken, perr)
			return
		}
		r.plain = plain
	case err != nil:
		r.done = true
		r.err = err
	}
}

// unpad strips PKCS#7 padding.
func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-pad], nil
}
