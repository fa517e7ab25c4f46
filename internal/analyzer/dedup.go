package analyzer

import (
	"skyflip/internal/model"
)

// 过滤阶段名，用于指标标签
const (
	stagePhysical = "physical_item"
	stageSeller   = "seller"
	stageBuyer    = "buyer"
	stagePair     = "trade_pair"
	stageDateGate = "date_gate"
)

// filterStats 各阶段被过滤的成交数
type filterStats map[string]int

func (f filterStats) add(stage string, n int) {
	if n > 0 {
		f[stage] += n
	}
}

// dedupPhysical 同一物理物品只保留最早一次成交
// 输入需按 (sold_at, id) 排序
func dedupPhysical(sales []*model.Listing) []*model.Listing {
	seen := make(map[string]struct{}, len(sales))
	out := make([]*model.Listing, 0, len(sales))
	for _, s := range sales {
		id := s.PhysicalID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, s)
	}
	return out
}

// filterManipulation 依次执行卖家去重、买家去重、往返交易剔除
// 后一步只处理前一步的结果
func filterManipulation(sales []*model.Listing, stats filterStats) []*model.Listing {
	n := len(sales)
	sales = lowestPerParty(sales, func(l *model.Listing) string { return l.SellerID })
	stats.add(stageSeller, n-len(sales))

	n = len(sales)
	sales = lowestPerParty(sales, func(l *model.Listing) string { return l.BuyerID })
	stats.add(stageBuyer, n-len(sales))

	n = len(sales)
	sales = dropRepeatedPairs(sales)
	stats.add(stagePair, n-len(sales))
	return sales
}

// lowestPerParty 每个参与方只保留价格最低的一笔，价格相同保留最早的
// 参与方为空的成交不参与分组
func lowestPerParty(sales []*model.Listing, party func(*model.Listing) string) []*model.Listing {
	best := make(map[string]*model.Listing)
	for _, s := range sales {
		id := party(s)
		if id == "" {
			continue
		}
		if cur, ok := best[id]; !ok || s.SalePrice() < cur.SalePrice() {
			best[id] = s
		}
	}

	out := make([]*model.Listing, 0, len(sales))
	for _, s := range sales {
		id := party(s)
		if id == "" || best[id] == s {
			out = append(out, s)
		}
	}
	return out
}

// dropRepeatedPairs 没有物品 UID 的成交中，同一对买卖双方 (不分方向)
// 出现超过一次时，剔除这对双方的全部成交
func dropRepeatedPairs(sales []*model.Listing) []*model.Listing {
	counts := make(map[string]int)
	for _, s := range sales {
		if key, ok := pairKey(s); ok {
			counts[key]++
		}
	}

	out := make([]*model.Listing, 0, len(sales))
	for _, s := range sales {
		if key, ok := pairKey(s); ok && counts[key] > 1 {
			continue
		}
		out = append(out, s)
	}
	return out
}

func pairKey(s *model.Listing) (string, bool) {
	if s.ItemUID != "" || s.SellerID == "" || s.BuyerID == "" {
		return "", false
	}
	a, b := s.SellerID, s.BuyerID
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b, true
}
