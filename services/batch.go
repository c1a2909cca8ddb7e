package services

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/juju/errors"

	"rallymigrate/api"
	"rallymigrate/models"
)

// SlotRef は同じバッチ内の先行操作の結果を指すプレースホルダです
// 送信時に "$<位置>" として書き出され、サーバー側で実際の参照に置き換えられます
type SlotRef struct {
	Slot  string
	index int
}

// MarshalJSON は位置指定のプレースホルダを書き出します
func (r SlotRef) MarshalJSON() ([]byte, error) {
	return json.Marshal("$" + strconv.Itoa(r.index))
}

type pendingOp struct {
	slot     string
	typePath string
	fields   map[string]interface{}
}

// BatchBuilder は複数レコードを1トランザクションで作成するための操作列を組み立てます
// 各操作は名前付きのスロットを持ち、後続の操作は Ref で先行スロットの結果を参照できます
type BatchBuilder struct {
	ops     []pendingOp
	index   map[string]int
	results []string
}

// NewBatchBuilder は空のビルダーを作成します
func NewBatchBuilder() *BatchBuilder {
	return &BatchBuilder{index: map[string]int{}}
}

// Add は作成操作を追加します
// 重複したスロットや、まだ追加されていないスロットへの参照はエラーになります
func (b *BatchBuilder) Add(slot, typePath string, fields map[string]interface{}) error {
	if _, dup := b.index[slot]; dup {
		return errors.AlreadyExistsf("スロット %q", slot)
	}
	for name, v := range fields {
		ref, ok := v.(SlotRef)
		if !ok {
			continue
		}
		i, known := b.index[ref.Slot]
		if !known || i != ref.index {
			return errors.NotValidf("フィールド %s が未定義のスロット %q を参照しています", name, ref.Slot)
		}
	}
	b.index[slot] = len(b.ops)
	b.ops = append(b.ops, pendingOp{slot: slot, typePath: typePath, fields: fields})
	return nil
}

// Ref は追加済みスロットへの参照を返します
func (b *BatchBuilder) Ref(slot string) (SlotRef, error) {
	i, ok := b.index[slot]
	if !ok {
		return SlotRef{}, errors.NotFoundf("スロット %q", slot)
	}
	return SlotRef{Slot: slot, index: i}, nil
}

// Has はスロットが追加済みかどうかを返します
func (b *BatchBuilder) Has(slot string) bool {
	_, ok := b.index[slot]
	return ok
}

// Len は操作数を返します
func (b *BatchBuilder) Len() int {
	return len(b.ops)
}

// Entries は送信用のバッチエントリを返します
func (b *BatchBuilder) Entries() []api.BatchEntry {
	entries := make([]api.BatchEntry, len(b.ops))
	for i, op := range b.ops {
		entries[i] = api.BatchEntry{
			Path:   "/" + op.typePath + "/create",
			Method: "post",
			Body:   map[string]interface{}{typeKey(op.typePath): op.fields},
		}
	}
	return entries
}

// Submit はバッチを送信し、各スロットの作成結果 ID を記録します
func (b *BatchBuilder) Submit(ctx context.Context, client RallyService) error {
	if len(b.ops) == 0 {
		return nil
	}
	results, err := client.Batch(ctx, b.Entries())
	if err != nil {
		return err
	}
	ids := make([]string, len(b.ops))
	for i, r := range results {
		rec := &models.Record{}
		if err := json.Unmarshal(r.Object, rec); err != nil {
			return errors.Annotatef(err, "バッチ結果 [%d] の解析エラー", i)
		}
		ids[i] = rec.ID()
	}
	b.results = ids
	return nil
}

// Result はスロットの作成結果 ID を返します (Submit 成功後のみ)
func (b *BatchBuilder) Result(slot string) (string, error) {
	i, ok := b.index[slot]
	if !ok {
		return "", errors.NotFoundf("スロット %q", slot)
	}
	if b.results == nil {
		return "", errors.Errorf("スロット %q はまだ送信されていません", slot)
	}
	return b.results[i], nil
}
