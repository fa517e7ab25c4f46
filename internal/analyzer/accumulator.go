package analyzer

import (
	"sort"
	"time"

	"skyflip/internal/model"
)

// priceAccumulator 单个等价类在一个窗口内的价格统计
type priceAccumulator struct {
	key    string
	tag    string
	prices []int64
	sum    float64
	min    int64
	max    int64
	bins   int
}

func newPriceAccumulator(key, tag string) *priceAccumulator {
	return &priceAccumulator{key: key, tag: tag}
}

// add 累加一笔净成交价
func (p *priceAccumulator) add(price int64, bin bool) {
	if len(p.prices) == 0 || price < p.min {
		p.min = price
	}
	if len(p.prices) == 0 || price > p.max {
		p.max = price
	}
	p.prices = append(p.prices, price)
	p.sum += float64(price)
	if bin {
		p.bins++
	}
}

func (p *priceAccumulator) volume() int {
	return len(p.prices)
}

// aggregate 生成聚合行
func (p *priceAccumulator) aggregate(res model.Resolution, windowStart time.Time) model.PriceAggregate {
	sorted := make([]float64, len(p.prices))
	for i, v := range p.prices {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)

	var mean float64
	if len(p.prices) > 0 {
		mean = p.sum / float64(len(p.prices))
	}

	return model.PriceAggregate{
		KeyHash:     model.HashKey(p.key),
		Key:         p.key,
		Tag:         p.tag,
		WindowStart: windowStart,
		Resolution:  res,
		Min:         p.min,
		Max:         p.max,
		Mean:        mean,
		Median:      calculateMedian(sorted),
		Volume:      len(p.prices),
		BinCount:    p.bins,
	}
}

// rollupAccumulator 由小时聚合汇总日聚合
// 最小取最小，最大取最大，中位数取各小时中位数的中位数，均值按成交量加权
type rollupAccumulator struct {
	hash     int64
	key      string
	tag      string
	min      int64
	max      int64
	weighted float64
	volume   int
	bins     int
	medians  []float64
}

func newRollupAccumulator(src *model.PriceAggregate) *rollupAccumulator {
	return &rollupAccumulator{hash: src.KeyHash, key: src.Key, tag: src.Tag, min: src.Min, max: src.Max}
}

func (r *rollupAccumulator) add(src *model.PriceAggregate) {
	if src.Min < r.min {
		r.min = src.Min
	}
	if src.Max > r.max {
		r.max = src.Max
	}
	r.weighted += src.Mean * float64(src.Volume)
	r.volume += src.Volume
	r.bins += src.BinCount
	r.medians = append(r.medians, src.Median)
}

func (r *rollupAccumulator) aggregate(day time.Time) model.PriceAggregate {
	sorted := append([]float64(nil), r.medians...)
	sort.Float64s(sorted)

	var mean float64
	if r.volume > 0 {
		mean = r.weighted / float64(r.volume)
	}

	return model.PriceAggregate{
		KeyHash:     r.hash,
		Key:         r.key,
		Tag:         r.tag,
		WindowStart: day,
		Resolution:  model.ResolutionDaily,
		Min:         r.min,
		Max:         r.max,
		Mean:        mean,
		Median:      calculateMedian(sorted),
		Volume:      r.volume,
		BinCount:    r.bins,
	}
}

// calculateMedian 计算中位数 (输入需已排序)
func calculateMedian(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
