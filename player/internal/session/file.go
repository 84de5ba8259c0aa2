package session

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	fileMagic  = "STRYTK01"
	saltSize   = 16
	kdfRounds  = 4096
	keySize    = 32
	filePerm   = 0o600
	folderPerm = 0o700
)

// ErrCorrupt 令牌文件格式错误或口令不匹配。
var ErrCorrupt = errors.New("session: token file is corrupt or passphrase mismatch")

// FileStore 把令牌加密落盘，重启后保持登录。
//
// 文件布局：magic(8) | salt(16) | nonce | AES-GCM 密文。
// 每次写入都换新的 salt 和 nonce。
type FileStore struct {
	path       string
	passphrase string
	mu         sync.Mutex
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

func (s *FileStore) Load(_ context.Context) (*Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) < len(fileMagic)+saltSize || string(data[:len(fileMagic)]) != fileMagic {
		return nil, ErrCorrupt
	}
	salt := data[len(fileMagic) : len(fileMagic)+saltSize]
	plain, err := decrypt(data[len(fileMagic)+saltSize:], deriveKey(s.passphrase, salt))
	if err != nil {
		return nil, ErrCorrupt
	}

	var t Tokens
	if err := json.Unmarshal(plain, &t); err != nil {
		return nil, ErrCorrupt
	}
	return &t, nil
}

func (s *FileStore) Save(_ context.Context, t *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := json.Marshal(t)
	if err != nil {
		return err
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	sealed, err := encrypt(plain, deriveKey(s.passphrase, salt))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), folderPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	buf := make([]byte, 0, len(fileMagic)+saltSize+len(sealed))
	buf = append(buf, fileMagic...)
	buf = append(buf, salt...)
	buf = append(buf, sealed...)
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfRounds, keySize, sha256.New)
}

func encrypt(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func decrypt(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, io.ErrUnexpectedEOF
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
