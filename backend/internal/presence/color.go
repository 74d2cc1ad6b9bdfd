package presence

import "unicode/utf16"

// Palette 协作者光标/选区的固定配色
var Palette = [...]string{
	"#f87171", // red
	"#fb923c", // orange
	"#fbbf24", // amber
	"#a3e635", // lime
	"#34d399", // emerald
	"#22d3ee", // cyan
	"#60a5fa", // blue
	"#a78bfa", // violet
	"#f472b6", // pink
	"#38bdf8", // sky
}

// lightAlpha 选区背景在主色后追加的透明度
const lightAlpha = "33"

// ColorFor 按名字哈希选色，同一个名字在任何端都得到同一个颜色。
// 哈希与浏览器端一致：按 UTF-16 码元累加，h<<5 按 32 位有符号整数截断
func ColorFor(identity string) string {
	var h int64
	for _, c := range utf16.Encode([]rune(identity)) {
		h = int64(c) + (int64(int32(h)<<5) - h)
	}
	if h < 0 {
		h = -h
	}
	return Palette[h%int64(len(Palette))]
}

func LightColor(color string) string { return color + lightAlpha }
