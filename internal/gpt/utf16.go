package gpt

import "unicode/utf16"

func utf16Encode(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func utf16Decode(u []uint16) []rune {
	return utf16.Decode(u)
}
