package fabrichost

import (
	"fmt"
	"strconv"
	"strings"
)

// PartitionKind is the tag of a Partition variant.
type PartitionKind uint8

const (
	PartitionSingleton PartitionKind = iota + 1
	PartitionInt64Range
	PartitionNamed
)

func (k PartitionKind) String() string {
	switch k {
	case PartitionSingleton:
		return "singleton"
	case PartitionInt64Range:
		return "int64range"
	case PartitionNamed:
		return "named"
	default:
		return "unknown"
	}
}

// ParsePartitionKind maps a manifest tag to a PartitionKind.
func ParsePartitionKind(s string) (PartitionKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "singleton":
		return PartitionSingleton, nil
	case "int64range", "uniformint64range", "int64":
		return PartitionInt64Range, nil
	case "named":
		return PartitionNamed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPartitionKind, s)
	}
}

// Partition identifies the shard of a service an instance serves.
// The set of variants is closed: Singleton, Int64Range and Named.
type Partition interface {
	Kind() PartitionKind
	partition()
}

// Singleton is the partition of an unpartitioned service.
type Singleton struct{}

// Int64Range is a contiguous, inclusive range of int64 partition keys.
type Int64Range struct {
	Low  int64
	High int64
}

// Named is a partition identified by a caller-chosen name.
// The name is used verbatim in deployment identities, so it must already be
// restricted to characters that are safe as a storage key.
type Named struct {
	Name string
}

func (Singleton) Kind() PartitionKind  { return PartitionSingleton }
func (Int64Range) Kind() PartitionKind { return PartitionInt64Range }
func (Named) Kind() PartitionKind      { return PartitionNamed }

func (Singleton) partition()  {}
func (Int64Range) partition() {}
func (Named) partition()      {}

// NewPartition builds a partition from its tag. For Int64Range, key is
// "low-high" (decimal); for Named, key is the name; for Singleton key is ignored.
func NewPartition(kind PartitionKind, key string) (Partition, error) {
	switch kind {
	case PartitionSingleton:
		return Singleton{}, nil
	case PartitionInt64Range:
		return parseInt64Range(key)
	case PartitionNamed:
		if key == "" {
			return nil, fmt.Errorf("named partition: empty name")
		}
		return Named{Name: key}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartitionKind, kind)
	}
}

// ParsePartition is NewPartition with a string tag.
func ParsePartition(kind, key string) (Partition, error) {
	k, err := ParsePartitionKind(kind)
	if err != nil {
		return nil, err
	}
	return NewPartition(k, key)
}

func parseInt64Range(key string) (Partition, error) {
	// Split on the separator after the first character so a negative low
	// bound keeps its sign.
	idx := strings.Index(key[min(1, len(key)):], "-")
	if idx < 0 {
		return nil, fmt.Errorf("int64 range partition %q: want low-high", key)
	}
	idx += min(1, len(key))

	low, err := strconv.ParseInt(strings.TrimSpace(key[:idx]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("int64 range partition low key: %w", err)
	}
	high, err := strconv.ParseInt(strings.TrimSpace(key[idx+1:]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("int64 range partition high key: %w", err)
	}
	if low > high {
		return nil, fmt.Errorf("int64 range partition: low %d above high %d", low, high)
	}
	return Int64Range{Low: low, High: high}, nil
}
