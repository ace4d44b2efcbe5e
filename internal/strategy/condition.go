package strategy

import "strings"

// Condition 是入场条件的封闭枚举。
type Condition int

const (
	ConditionUnknown Condition = iota
	ConditionPriceAtLeast190
	ConditionPriceAtLeast430
	ConditionPriceAtLeast540
	ConditionPriceAtLeast75VolumeStrong
	ConditionDate20250814PriceAtLeast76
	ConditionOpenAtLeast7First30Green
	ConditionCloseAbove725
	ConditionDipTo52To53
	ConditionPullbackTo132To134
	ConditionBTCAbove74500
	ConditionGOLDAbove2500

	conditionCount
)

type predicate func(Signal) bool

// 以 Condition 为下标，新增枚举值时数组长度随之变化，漏填会在测试中暴露。
var predicates = [conditionCount]predicate{
	ConditionUnknown:         func(Signal) bool { return false },
	ConditionPriceAtLeast190: priceAtLeast(190),
	ConditionPriceAtLeast430: priceAtLeast(430),
	ConditionPriceAtLeast540: priceAtLeast(540),
	ConditionPriceAtLeast75VolumeStrong: func(s Signal) bool {
		return s.price() >= 75 && s.volumeStrong()
	},
	ConditionDate20250814PriceAtLeast76: func(s Signal) bool {
		return s.Date == "2025-08-14" && s.price() >= 76
	},
	ConditionOpenAtLeast7First30Green: func(s Signal) bool {
		return s.price() >= 7 && s.first30Green()
	},
	ConditionCloseAbove725:      func(s Signal) bool { return s.price() > 7.25 },
	ConditionDipTo52To53:        priceWithin(52, 53),
	ConditionPullbackTo132To134: priceWithin(13.2, 13.4),
	ConditionBTCAbove74500:      func(s Signal) bool { return s.btc() > 74500 },
	ConditionGOLDAbove2500:      func(s Signal) bool { return s.gold() > 2500 },
}

var conditionNames = map[string]Condition{
	"price>=190":                     ConditionPriceAtLeast190,
	"price>=430":                     ConditionPriceAtLeast430,
	"price>=540":                     ConditionPriceAtLeast540,
	"price>=75 and volume_strong":    ConditionPriceAtLeast75VolumeStrong,
	"date==2025-08-14 and price>=76": ConditionDate20250814PriceAtLeast76,
	"open>=7 and first30_green":      ConditionOpenAtLeast7First30Green,
	"close>7.25":                     ConditionCloseAbove725,
	"dip_to_52_53":                   ConditionDipTo52To53,
	"pullback_to_13_2_13_4":          ConditionPullbackTo132To134,
	"btc>74500":                      ConditionBTCAbove74500,
	"gold>2500":                      ConditionGOLDAbove2500,
}

// ParseCondition 将配置中的条件标识解析为枚举，未知标识返回 ConditionUnknown。
// 比较时忽略大小写与多余空白。
func ParseCondition(raw string) Condition {
	key := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if cond, ok := conditionNames[key]; ok {
		return cond
	}
	return ConditionUnknown
}

// Eval 对信号求值；越界的枚举值按未知处理。
func (c Condition) Eval(s Signal) bool {
	if c <= ConditionUnknown || c >= conditionCount {
		return false
	}
	return predicates[c](s)
}

func (c Condition) String() string {
	for name, cond := range conditionNames {
		if cond == c {
			return name
		}
	}
	return "unknown"
}

func priceAtLeast(threshold float64) predicate {
	return func(s Signal) bool { return s.price() >= threshold }
}

func priceWithin(low, high float64) predicate {
	return func(s Signal) bool {
		p := s.price()
		return p >= low && p <= high
	}
}
