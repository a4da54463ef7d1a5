package command

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

// ValidateName checks that a topic or consumer-group name is usable as part of a
// stream key.
//
// Rules:
// - Non-empty string
// - Maximum length of 100 characters
// - No control characters, whitespace or the ':' separator
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}

	if len(name) > 100 {
		return fmt.Errorf("%w: %q too long (max 100 characters)", ErrInvalidName, name)
	}

	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q contains control or space character", ErrInvalidName, name)
		}
		if r == ':' {
			return fmt.Errorf("%w: %q contains separator", ErrInvalidName, name)
		}
	}

	return nil
}

// Partition maps a message key onto one of n partitions with FNV-1a.
// Messages with equal keys always land on the same partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// PartitionKey returns the message key of an account id.
func PartitionKey(accountID int) string {
	return strconv.Itoa(accountID)
}

// KeyPattern builds stream keys with a consistent naming convention.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a new key pattern with the given prefix and separator.
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{
		prefix:    prefix,
		separator: separator,
	}
}

// Build creates a key from the pattern and provided parts.
// Example: pattern.Build("accounts", "3") -> "findash:cmd:accounts:3"
func (kp *KeyPattern) Build(parts ...string) string {
	if len(parts) == 0 {
		return kp.prefix
	}
	return kp.prefix + kp.separator + strings.Join(parts, kp.separator)
}

// Stream returns the stream key of one partition of a topic.
func (kp *KeyPattern) Stream(topic string, partition int) string {
	return kp.Build(topic, strconv.Itoa(partition))
}

// DeadLetter returns the stream key that receives given-up messages of a topic.
func (kp *KeyPattern) DeadLetter(topic string) string {
	return kp.Build(topic, "dlq")
}
