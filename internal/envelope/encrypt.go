package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// encryptedBody is the shape substituted into payload.body when
// payload.encrypted is true.
type encryptedBody struct {
	Enc  string `json:"enc"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

const aesEncName = "aes-256-cbc"

// Encrypt replaces e.Payload.Body with an AES-256-CBC ciphertext envelope
// and marks Payload.Encrypted. key must be 32 bytes.
func Encrypt(e *Envelope, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("envelope: encrypt: %w", err)
	}
	plain := pkcs7Pad(e.Payload.Body, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("envelope: encrypt iv: %w", err)
	}
	ciphertext := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plain)

	wrapped, err := json.Marshal(encryptedBody{
		Enc:  aesEncName,
		IV:   hex.EncodeToString(iv),
		Data: base64Encode(ciphertext),
	})
	if err != nil {
		return fmt.Errorf("envelope: encrypt marshal: %w", err)
	}
	e.Payload.Body = wrapped
	e.Payload.Encrypted = true
	return nil
}

// Decrypt reverses Encrypt, restoring e.Payload.Body to plaintext JSON.
func Decrypt(e *Envelope, key []byte) error {
	if !e.Payload.Encrypted {
		return nil
	}
	var wrapped encryptedBody
	if err := json.Unmarshal(e.Payload.Body, &wrapped); err != nil {
		return fmt.Errorf("envelope: decrypt unmarshal: %w", err)
	}
	iv, err := hex.DecodeString(wrapped.IV)
	if err != nil {
		return fmt.Errorf("envelope: decrypt iv: %w", err)
	}
	ciphertext, err := base64Decode(wrapped.Data)
	if err != nil {
		return fmt.Errorf("envelope: decrypt data: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("envelope: decrypt cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return fmt.Errorf("envelope: decrypt: ciphertext not block-aligned")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return fmt.Errorf("envelope: decrypt padding: %w", err)
	}
	e.Payload.Body = plain
	e.Payload.Encrypted = false
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-padLen], nil
}
