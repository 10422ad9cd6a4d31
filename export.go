package pulseopt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

// Archive framing constants.
const (
	archiveMagic = "POPT1"

	archiveNonceSize  = 12
	archiveSaltSize   = 32
	archiveKeySize    = 32
	archiveIterations = 100_000
)

var (
	// ErrArchiveCorrupt is returned when an archive fails framing checks.
	ErrArchiveCorrupt = errors.New("pulseopt: archive corrupt")

	// ErrArchiveEncrypted is returned when reading an encrypted archive
	// without a password.
	ErrArchiveEncrypted = errors.New("pulseopt: archive is encrypted")
)

// ExportS3Config points the exporter at an S3 or S3-compatible bucket.
// Prefer IAM roles or environment credentials over embedding static keys.
type ExportS3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"usePathStyle"`
}

// ExportConfig configures snapshot archive export. Archives are always
// snappy-compressed; encryption is optional.
type ExportConfig struct {
	// Directory receives archives when no S3 target is configured.
	Directory string `yaml:"directory"`

	// S3 enables bucket upload when non-nil.
	S3 *ExportS3Config `yaml:"s3"`

	// EncryptionPassword derives an AES-256 key via PBKDF2 when non-empty.
	EncryptionPassword string `yaml:"encryptionPassword"`
}

// Exporter packages aggregation snapshots into compressed, optionally
// encrypted archives and writes them to disk or S3.
type Exporter struct {
	cfg    ExportConfig
	client *s3.Client
}

// NewExporter validates the target and builds the S3 client if needed.
func NewExporter(cfg ExportConfig) (*Exporter, error) {
	if cfg.S3 == nil && cfg.Directory == "" {
		return nil, errors.New("pulseopt: export needs a directory or an S3 target")
	}

	e := &Exporter{cfg: cfg}
	if cfg.S3 != nil {
		if cfg.S3.Bucket == "" {
			return nil, errors.New("pulseopt: export S3 target needs a bucket")
		}
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.S3.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
		}
		if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
			))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		var s3Opts []func(*s3.Options)
		if cfg.S3.Endpoint != "" {
			s3Opts = append(s3Opts, func(o *s3.Options) {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
				o.UsePathStyle = cfg.S3.UsePathStyle
			})
		}
		e.client = s3.NewFromConfig(awsCfg, s3Opts...)
	}
	return e, nil
}

// archiveEnvelope is the JSON payload inside an archive.
type archiveEnvelope struct {
	ExportedAt time.Time         `json:"exportedAt"`
	Snapshots  []MetricsSnapshot `json:"snapshots"`
}

// EncodeArchive serializes snapshots into the archive wire format:
// magic, flags byte (bit 0 = encrypted), optional salt, then the
// snappy-compressed JSON envelope (AES-GCM sealed when encrypted).
func EncodeArchive(snapshots []MetricsSnapshot, password string) ([]byte, error) {
	payload, err := json.Marshal(archiveEnvelope{ExportedAt: time.Now(), Snapshots: snapshots})
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	compressed := snappy.Encode(nil, payload)

	var buf bytes.Buffer
	buf.WriteString(archiveMagic)
	if password == "" {
		buf.WriteByte(0)
		buf.Write(compressed)
		return buf.Bytes(), nil
	}

	salt := make([]byte, archiveSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := archiveCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, archiveNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	buf.WriteByte(1)
	buf.Write(salt)
	buf.Write(gcm.Seal(nonce, nonce, compressed, nil))
	return buf.Bytes(), nil
}

// DecodeArchive reverses EncodeArchive. The password is only consulted
// for encrypted archives.
func DecodeArchive(data []byte, password string) ([]MetricsSnapshot, error) {
	if len(data) < len(archiveMagic)+1 || string(data[:len(archiveMagic)]) != archiveMagic {
		return nil, ErrArchiveCorrupt
	}
	flags := data[len(archiveMagic)]
	body := data[len(archiveMagic)+1:]

	if flags&1 != 0 {
		if password == "" {
			return nil, ErrArchiveEncrypted
		}
		if len(body) < archiveSaltSize+archiveNonceSize {
			return nil, ErrArchiveCorrupt
		}
		salt := body[:archiveSaltSize]
		sealed := body[archiveSaltSize:]
		gcm, err := archiveCipher(password, salt)
		if err != nil {
			return nil, err
		}
		nonce := sealed[:archiveNonceSize]
		plain, err := gcm.Open(nil, nonce, sealed[archiveNonceSize:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
		}
		body = plain
	}

	payload, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	var envelope archiveEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	return envelope.Snapshots, nil
}

func archiveCipher(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, archiveIterations, archiveKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Export packages the snapshots and writes the archive to the configured
// target. It returns the object key or file path written.
func (e *Exporter) Export(ctx context.Context, snapshots []MetricsSnapshot) (string, error) {
	data, err := EncodeArchive(snapshots, e.cfg.EncryptionPassword)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("pulseopt-%s.snap", time.Now().UTC().Format("20060102T150405"))

	if e.client != nil {
		key := e.cfg.S3.Prefix + name
		_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(e.cfg.S3.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return "", fmt.Errorf("upload archive: %w", err)
		}
		return key, nil
	}

	if err := os.MkdirAll(e.cfg.Directory, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(e.cfg.Directory, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}

// ImportFile reads an archive from disk.
func (e *Exporter) ImportFile(path string) ([]MetricsSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return DecodeArchive(data, e.cfg.EncryptionPassword)
}
