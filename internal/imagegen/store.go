package imagegen

import (
	"bytes"
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-imagegen/internal/pathutil"
)

// ObjectPutter is the slice of *s3.Client the service uses
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

const (
	keyPromptRunes = 10
	keyTimeLayout  = "20060102_150405"
)

// objectName builds "<first 10 prompt runes>_<YYYYMMDD_HHMMSS>_<16 hex>.png".
// Spaces become underscores; anything that is not a letter, digit, '-' or '_' is dropped
// so a prompt can never introduce path separators into the key.
func objectName(prompt string, at time.Time, suffix string) string {
	var b strings.Builder
	n := 0
	for _, r := range prompt {
		if n == keyPromptRunes {
			break
		}
		n++
		switch {
		case r == ' ':
			b.WriteByte('_')
		case r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String() + "_" + at.UTC().Format(keyTimeLayout) + "_" + suffix + ".png"
}

// objectURL is the virtual-hosted style URL of a stored object
func objectURL(bucket, key string) string {
	return "https://" + bucket + ".s3.amazonaws.com/" + key
}

func (s *Service) store(ctx context.Context, prompt string, data []byte) (string, error) {
	suffix, err := cryptoutil.RandomHex(8)
	if err != nil {
		return "", err
	}
	key := pathutil.JoinKey(s.prefix, objectName(prompt, s.now(), suffix))

	in := &s3.PutObjectInput{
		Bucket:         aws.String(s.bucket),
		Key:            aws.String(key),
		Body:           bytes.NewReader(data),
		ContentLength:  aws.Int64(int64(len(data))),
		ContentType:    aws.String("image/png"),
		ChecksumSHA256: aws.String(cryptoutil.SHA256Base64(data)),
		Metadata: map[string]string{
			"model": s.model,
			"size":  s.size,
		},
	}
	if s.kmsKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}
	if _, err := s.putter.PutObject(ctx, in); err != nil {
		return "", &StorageError{Bucket: s.bucket, Key: key, Err: err}
	}
	return key, nil
}
