package i18n

import "testing"

func TestTranslate(t *testing.T) {
	tests := []struct {
		name    string
		locale  string
		message string
		want    string
	}{
		{"exact key", "fa", "message is empty", "پیام خالی است"},
		{"region tag", "fa-IR", "no room is open", "هیچ اتاقی باز نیست"},
		{"accept-language header", "fa-IR,fa;q=0.9,en;q=0.8", "invalid token", "توکن نامعتبر است"},
		{"prefix key", "fa", "file too large: 6.0 MiB exceeds the 5.0 MiB limit", "حجم فایل بیش از حد مجاز است"},
		{"unknown locale", "de", "message is empty", "message is empty"},
		{"unknown key", "fa", "something else", "something else"},
		{"empty locale", "", "message is empty", "message is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Translate(tt.locale, tt.message); got != tt.want {
				t.Errorf("Translate(%q, %q) = %q, want %q", tt.locale, tt.message, got, tt.want)
			}
		})
	}
}
