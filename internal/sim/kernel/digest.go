package kernel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"macrosim.ai/internal/sim/agents"
	"macrosim.ai/internal/sim/money"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// stateDigest hashes everything that must match between two runs with the same
// inputs. Iteration is always in sorted order.
func (w *World) stateDigest(tick uint64) string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, tick)
	digestWriteI64(h, &tmp, int64(w.baseline))
	for _, c := range w.ledger.Currencies() {
		digestWriteString(h, &tmp, string(c))
		digestWriteI64(h, &tmp, int64(w.ledger.ExpectedM2(c)))
	}
	digestWriteU64(h, &tmp, uint64(w.ledger.Len()))

	w.agents.Range(func(a agents.FinancialAgent) bool {
		digestWriteI64(h, &tmp, int64(a.ID()))
		if acc, ok := a.(*agents.Account); ok {
			bals := acc.Balances()
			curs := make([]string, 0, len(bals))
			for c := range bals {
				curs = append(curs, string(c))
			}
			sort.Strings(curs)
			for _, c := range curs {
				digestWriteString(h, &tmp, c)
				digestWriteI64(h, &tmp, int64(bals[money.Currency(c)]))
			}
			return true
		}
		digestWriteI64(h, &tmp, int64(a.Balance(w.cfg.Currency)))
		return true
	})

	digestWriteU64(h, &tmp, uint64(len(w.txLog)))
	for _, tx := range w.txLog {
		digestWriteI64(h, &tmp, int64(tx.BuyerID))
		digestWriteI64(h, &tmp, int64(tx.SellerID))
		digestWriteString(h, &tmp, tx.ItemID)
		digestWriteI64(h, &tmp, tx.Quantity)
		digestWriteI64(h, &tmp, int64(tx.Amount))
		digestWriteString(h, &tmp, string(tx.Currency))
		digestWriteString(h, &tmp, tx.Type)
		keys := make([]string, 0, len(tx.Metadata))
		for k := range tx.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			digestWriteString(h, &tmp, k)
			digestWriteString(h, &tmp, tx.Metadata[k])
		}
	}

	digestWriteU64(h, &tmp, uint64(len(w.deferred)))
	ids := make([]int64, 0, len(w.inactive))
	for id := range w.inactive {
		ids = append(ids, int64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		digestWriteI64(h, &tmp, id)
	}

	params := w.params.Values()
	for _, k := range w.params.Keys() {
		v, ok := params[k]
		if !ok {
			continue
		}
		digestWriteString(h, &tmp, k)
		digestWriteU64(h, &tmp, math.Float64bits(v))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	digestWriteU64(h, tmp, uint64(v))
}

func digestWriteString(h hashWriter, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}
