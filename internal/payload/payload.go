// Package payload turns a poll response into decrypted interaction entries.
package payload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/rsclarke/oastrix-client/internal/api"
	"github.com/rsclarke/oastrix-client/internal/crypto"
	"github.com/rsclarke/oastrix-client/internal/errdefs"
	"github.com/rsclarke/oastrix-client/internal/events"
	"github.com/rsclarke/oastrix-client/internal/secure"
)

// Entry sources.
const (
	SourceData    = "data"
	SourceExtra   = "extra"
	SourceTLDData = "tlddata"
)

var (
	ErrMissingKey  = errors.New("poll response has data but no aes_key")
	ErrInvalidUTF8 = errors.New("decrypted entry is not valid UTF-8")
)

// KeyUnwrapper decrypts the per-poll symmetric key. keys.Material
// implements it.
type KeyUnwrapper interface {
	UnwrapKey(p crypto.Provider, ciphertext []byte) (*secure.Bytes, error)
}

// Entry is one decoded interaction. Interaction is nil when the decoder
// was built without ParseLogs.
type Entry struct {
	Index       int
	Source      string
	Raw         string
	Interaction *events.Interaction
}

// Batch is the result of decoding one poll response. Entries and Failures
// are independent: a failed entry never hides the others.
type Batch struct {
	Entries  []Entry
	Failures []*errdefs.DecryptionError
}

// Len returns the number of decoded entries.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entries)
}

// Empty reports whether the batch carries neither entries nor failures.
func (b *Batch) Empty() bool {
	return b == nil || (len(b.Entries) == 0 && len(b.Failures) == 0)
}

// Interactions returns the typed records in order, skipping raw entries.
func (b *Batch) Interactions() []*events.Interaction {
	if b == nil {
		return nil
	}
	out := make([]*events.Interaction, 0, len(b.Entries))
	for _, e := range b.Entries {
		if e.Interaction != nil {
			out = append(out, e.Interaction)
		}
	}
	return out
}

// Err joins the batch failures, or returns nil.
func (b *Batch) Err() error {
	if b == nil || len(b.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(b.Failures))
	for i, f := range b.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Decoder is stateless apart from its configuration and may be shared.
type Decoder struct {
	Provider  crypto.Provider
	ParseLogs bool
}

// New returns a Decoder using p, or the default provider when p is nil.
func New(p crypto.Provider, parseLogs bool) *Decoder {
	if p == nil {
		p = crypto.Default()
	}
	return &Decoder{Provider: p, ParseLogs: parseLogs}
}

// Decode never returns an error: every failure is recorded in the batch.
func (d *Decoder) Decode(resp *api.PollResponse, keys KeyUnwrapper) *Batch {
	batch := &Batch{}
	if resp == nil {
		return batch
	}

	if len(resp.Data) > 0 {
		d.decodeData(batch, resp, keys)
	}
	for i, raw := range resp.Extra {
		d.addPlain(batch, SourceExtra, i, raw)
	}
	for i, raw := range resp.TLDData {
		d.addPlain(batch, SourceTLDData, i, raw)
	}
	return batch
}

func (d *Decoder) decodeData(batch *Batch, resp *api.PollResponse, keys KeyUnwrapper) {
	if resp.AESKey == "" {
		batch.Failures = append(batch.Failures, keyFailure(ErrMissingKey))
		return
	}
	wrapped, err := base64.StdEncoding.DecodeString(resp.AESKey)
	if err != nil {
		batch.Failures = append(batch.Failures, keyFailure(fmt.Errorf("decode aes_key: %w", err)))
		return
	}
	key, err := keys.UnwrapKey(d.provider(), wrapped)
	if err != nil {
		batch.Failures = append(batch.Failures, keyFailure(err))
		return
	}
	defer key.Destroy()

	key.Use(func(k []byte) {
		for i, entry := range resp.Data {
			plain, err := d.decryptEntry(k, entry)
			if err != nil {
				batch.Failures = append(batch.Failures, err.at(i))
				continue
			}
			d.add(batch, SourceData, i, plain)
		}
	})
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) at(i int) *errdefs.DecryptionError {
	return &errdefs.DecryptionError{Index: i, Source: SourceData, Stage: e.stage, Err: e.err}
}

func (d *Decoder) decryptEntry(key []byte, entry string) ([]byte, *stageError) {
	blob, err := base64.StdEncoding.DecodeString(entry)
	if err != nil {
		return nil, &stageError{errdefs.StageDecode, err}
	}
	iv, ct, err := crypto.SplitIV(blob)
	if err != nil {
		return nil, &stageError{errdefs.StageDecode, err}
	}
	plain, err := d.provider().DecryptData(key, iv, ct)
	if err != nil {
		return nil, &stageError{errdefs.StageData, err}
	}
	return plain, nil
}

func (d *Decoder) addPlain(batch *Batch, source string, i int, raw string) {
	d.add(batch, source, i, []byte(raw))
}

func (d *Decoder) add(batch *Batch, source string, i int, plain []byte) {
	plain = bytes.TrimSpace(plain)
	if !utf8.Valid(plain) {
		batch.Failures = append(batch.Failures, &errdefs.DecryptionError{
			Index: i, Source: source, Stage: errdefs.StageParse, Err: ErrInvalidUTF8,
		})
		return
	}

	entry := Entry{Index: i, Source: source, Raw: string(plain)}
	if d.ParseLogs {
		interaction, err := events.Parse(plain)
		if err != nil {
			batch.Failures = append(batch.Failures, &errdefs.DecryptionError{
				Index: i, Source: source, Stage: errdefs.StageParse, Raw: entry.Raw, Err: err,
			})
			return
		}
		entry.Interaction = interaction
	}
	batch.Entries = append(batch.Entries, entry)
}

func (d *Decoder) provider() crypto.Provider {
	if d.Provider == nil {
		return crypto.Default()
	}
	return d.Provider
}

func keyFailure(err error) *errdefs.DecryptionError {
	return &errdefs.DecryptionError{Index: -1, Source: SourceData, Stage: errdefs.StageKey, Err: err}
}
