package transport

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"sitevault/internal/errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	encMagic      = "SVE1"
	encSaltSize   = 16
	encFrameSize  = 1 << 20
	encIterations = 100000
)

// Encrypting seals segments with AES-256-GCM before they leave the host.
// The key is derived per object from the passphrase with PBKDF2.
type Encrypting struct {
	inner      Transport
	passphrase string
}

// NewEncrypting wraps t
func NewEncrypting(t Transport, passphrase string) *Encrypting {
	return &Encrypting{inner: t, passphrase: passphrase}
}

// Upload encrypts localPath into a sibling file and uploads that
func (e *Encrypting) Upload(ctx context.Context, localPath, key string) (string, error) {
	sealed := localPath + ".enc"
	defer os.Remove(sealed)

	if err := e.encryptFile(localPath, sealed); err != nil {
		return "", err
	}
	return e.inner.Upload(ctx, sealed, key)
}

// Download fetches id and decrypts it into localPath
func (e *Encrypting) Download(ctx context.Context, id, localPath string) error {
	sealed := localPath + ".enc"
	defer os.Remove(sealed)

	if err := e.inner.Download(ctx, id, sealed); err != nil {
		return err
	}
	if err := e.decryptFile(sealed, localPath); err != nil {
		return errors.NewAppError(errors.ErrorTypeTransport, fmt.Sprintf("failed to decrypt %s", id), err).
			WithContext("key", id)
	}
	return nil
}

// Delete implements Transport
func (e *Encrypting) Delete(ctx context.Context, id string) error {
	return e.inner.Delete(ctx, id)
}

// Provider implements Transport
func (e *Encrypting) Provider() ProviderType {
	return e.inner.Provider()
}

func (e *Encrypting) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(e.passphrase), salt, encIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func frameNonce(base []byte, n uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	tail := nonce[len(nonce)-8:]
	binary.BigEndian.PutUint64(tail, binary.BigEndian.Uint64(tail)^n)
	return nonce
}

// frameAD binds the frame position and the final flag so frames cannot be
// reordered or truncated
func frameAD(n uint64, final bool) []byte {
	ad := make([]byte, 9)
	binary.BigEndian.PutUint64(ad, n)
	if final {
		ad[8] = 1
	}
	return ad
}

func (e *Encrypting) encryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	salt := make([]byte, encSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := e.gcm(salt)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	base := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, base); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	w := bufio.NewWriter(out)
	w.WriteString(encMagic)
	w.Write(salt)
	w.Write(base)

	r := bufio.NewReaderSize(in, encFrameSize)
	buf := make([]byte, encFrameSize)
	var lenBuf [4]byte
	for n := uint64(0); ; n++ {
		read, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}
		_, peekErr := r.Peek(1)
		final := peekErr == io.EOF

		sealed := aead.Seal(nil, frameNonce(base, n), buf[:read], frameAD(n, final))
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(sealed); err != nil {
			return err
		}
		if final {
			break
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return out.Close()
}

func (e *Encrypting) decryptFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	r := bufio.NewReader(in)

	header := make([]byte, len(encMagic)+encSaltSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("segment is not encrypted: %w", err)
	}
	if string(header[:len(encMagic)]) != encMagic {
		return fmt.Errorf("segment is not encrypted")
	}
	aead, err := e.gcm(header[len(encMagic):])
	if err != nil {
		return err
	}
	base := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(r, base); err != nil {
		return fmt.Errorf("truncated header: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	var lenBuf [4]byte
	for n := uint64(0); ; n++ {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return fmt.Errorf("truncated segment: %w", err)
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size > encFrameSize+uint32(aead.Overhead()) {
			return fmt.Errorf("corrupt frame %d", n)
		}
		sealed := make([]byte, size)
		if _, err := io.ReadFull(r, sealed); err != nil {
			return fmt.Errorf("truncated segment: %w", err)
		}
		_, peekErr := r.Peek(1)
		final := peekErr == io.EOF

		plain, err := aead.Open(nil, frameNonce(base, n), sealed, frameAD(n, final))
		if err != nil {
			return fmt.Errorf("wrong passphrase or corrupt frame %d", n)
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}
		if final {
			break
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return out.Close()
}
