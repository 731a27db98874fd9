package ids

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewULID 生成按时间有序的 ULID
func NewULID(at time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(at.UTC()), mono)
	if err != nil {
		// 时钟回拨导致单调熵溢出时退回到当前时间
		id = ulid.Make()
	}
	return id.String()
}

// LedgerID 账本条目 ID: {symbol}-{interval}-{side}-{ulid}
func LedgerID(symbol, interval, side string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s", symbol, interval, strings.ToLower(side), NewULID(at))
}

// ClientOrderID 交易所 newClientOrderId，最长 36 字符
func ClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	s := prefix + "_" + id
	if len(s) > 36 {
		s = s[:36]
	}
	return s
}
