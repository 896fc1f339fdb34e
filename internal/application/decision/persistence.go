package decision

import "time"

// persistence 价差持续性：条件需连续满足一段时间才放行
//
// 严格模式要求窗口内每次采样都满足；宽松模式按秒计数，
// 每个自然秒至少一次满足即可，相邻秒断档则重新计数。
type persistence struct {
	since  time.Time // strict window start
	bucket int64     // relaxed: last second counted
	count  int
}

// observe feeds one evaluation and reports whether the condition has
// persisted for need. A need of one second or less passes through.
func (p *persistence) observe(ok bool, now time.Time, need time.Duration, strict bool) bool {
	if need <= time.Second || !ok {
		*p = persistence{}
		return ok
	}
	if strict {
		if p.since.IsZero() {
			p.since = now
		}
		return now.Sub(p.since) >= need
	}

	b := now.Unix()
	switch {
	case p.count == 0:
		p.count = 1
	case b == p.bucket:
	case b == p.bucket+1:
		p.count++
	default:
		p.count = 1
	}
	p.bucket = b
	return p.count >= int(need/time.Second)
}
