// Package questions 提供對局使用的題庫
//
// 題庫以 YAML 嵌入在二進位檔中，也可以從設定指定的檔案載入。
package questions

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// OptionCount 每題固定四個選項
const OptionCount = 4

//go:embed questions.yaml
var defaultBank []byte

// ErrNotEnough 題庫題目不足
var ErrNotEnough = errors.New("not enough questions in bank")

// Question 題目
type Question struct {
	ID         string   `yaml:"id"`
	Text       string   `yaml:"text"`
	Options    []string `yaml:"options"`
	Answer     int      `yaml:"answer"`
	Category   string   `yaml:"category"`
	Difficulty int      `yaml:"difficulty"`
}

// Validate 檢查題目格式
func (q Question) Validate() error {
	switch {
	case q.ID == "":
		return errors.New("missing id")
	case q.Text == "":
		return fmt.Errorf("question %s: missing text", q.ID)
	case len(q.Options) != OptionCount:
		return fmt.Errorf("question %s: want %d options, got %d", q.ID, OptionCount, len(q.Options))
	case q.Answer < 0 || q.Answer >= OptionCount:
		return fmt.Errorf("question %s: answer index %d out of range", q.ID, q.Answer)
	}
	return nil
}

// Bank 題庫
type Bank struct {
	questions []Question

	mu  sync.Mutex
	rng *rand.Rand
}

type file struct {
	Questions []Question `yaml:"questions"`
}

// Parse 解析 YAML 題庫
//
// 所有格式錯誤一次回報；ID 重複也視為錯誤。
func Parse(data []byte) (*Bank, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Questions))
	for _, q := range f.Questions {
		if err := q.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[q.ID] {
			errs = append(errs, fmt.Errorf("duplicate question id %s", q.ID))
		}
		seen[q.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Bank{
		questions: f.Questions,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// Default 內建題庫
func Default() (*Bank, error) {
	return Parse(defaultBank)
}

// LoadFile 從檔案載入題庫，path 為空時使用內建題庫
func LoadFile(path string) (*Bank, error) {
	if path == "" {
		return Default()
	}
	// #nosec G304 - 路徑來自設定檔
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	return Parse(data)
}

// Seed 固定隨機種子（測試用）
func (b *Bank) Seed(seed uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rand.New(rand.NewPCG(seed, seed))
}

// Len 題目數
func (b *Bank) Len() int {
	return len(b.questions)
}

// Draw 隨機抽出 n 題，不重複
func (b *Bank) Draw(n int) ([]Question, error) {
	if n > len(b.questions) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrNotEnough, n, len(b.questions))
	}

	b.mu.Lock()
	perm := b.rng.Perm(len(b.questions))
	b.mu.Unlock()

	out := make([]Question, n)
	for i := range n {
		q := b.questions[perm[i]]
		q.Options = append([]string(nil), q.Options...)
		out[i] = q
	}
	return out, nil
}
