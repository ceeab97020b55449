package i18n

import "strings"

var translations = map[string]map[string]string{
	"fa": {
		"message is empty":                             "پیام خالی است",
		"file is empty":                                "فایل خالی است",
		"file too large":                               "حجم فایل بیش از حد مجاز است",
		"only the author can delete this file":         "فقط فرستنده می تواند این فایل را حذف کند",
		"attachment not found":                         "فایل یافت نشد",
		"no room is open":                              "هیچ اتاقی باز نیست",
		"failed to send message":                       "خطا در ارسال پیام",
		"failed to upload file":                        "خطا در بارگذاری فایل",
		"failed to delete file":                        "خطا در حذف فایل",
		"failed to connect":                            "خطا در برقراری اتصال",
		"push channel is not connected":                "اتصال برقرار نیست",
		"push channel is closed":                       "اتصال بسته شده است",
		"reconnecting":                                 "در حال اتصال مجدد...",
		"connected":                                    "متصل شد",
		"new message":                                  "پیام جدید",
		"unauthorized":                                 "دسترسی غیرمجاز",
		"invalid request":                              "درخواست نامعتبر است",
		"invalid page":                                 "شماره صفحه نامعتبر است",
		"invalid message id":                           "شناسه پیام نامعتبر است",
		"failed to fetch messages":                     "خطا در دریافت پیام ها",
		"failed to fetch members":                      "خطا در دریافت اعضا",
		"failed to fetch counts":                       "خطا در دریافت وضعیت خوانده شدن",
		"failed to update read status":                 "خطا در ثبت وضعیت خوانده شدن",
		"failed to update presence":                    "خطا در به روزرسانی وضعیت حضور",
		"file is required":                             "فایل الزامی است",
		"failed to save file":                          "خطا در ذخیره فایل",
		"failed to save file record":                   "خطا در ثبت اطلاعات فایل",
		"file not found":                               "فایل یافت نشد",
		"websocket upgrade failed":                     "خطا در برقراری اتصال وب سوکت",
		"rate limiter error":                           "خطا در محدودسازی درخواست ها",
		"rate limit exceeded":                          "تعداد درخواست ها بیش از حد مجاز است",
		"internal server error":                        "خطای داخلی سرور",
		"not found":                                    "یافت نشد",
		"missing authorization token":                  "توکن احراز هویت ارسال نشده است",
		"invalid token":                                "توکن نامعتبر است",
		"failed to validate member":                    "خطا در اعتبارسنجی کاربر",
		"member not found":                             "کاربر یافت نشد",
		"nickname must be between 2 and 32 characters": "نام مستعار باید بین ۲ تا ۳۲ کاراکتر باشد",
		"password must be at least 6 characters":       "رمز عبور باید حداقل ۶ کاراکتر باشد",
		"nickname already exists":                      "این نام مستعار قبلا ثبت شده است",
		"invalid nickname or password":                 "نام مستعار یا رمز عبور اشتباه است",
		"failed to generate token":                     "خطا در تولید توکن",
	},
}

var prefixTranslations = map[string]map[string]string{
	"fa": {
		"failed to hash password:":   "خطا در پردازش رمز عبور",
		"failed to register member:": "خطا در ثبت نام کاربر",
		"failed to query member:":    "خطا در دریافت اطلاعات کاربر",
		"failed to sign token:":      "خطا در امضای توکن",
		"failed to parse token:":     "توکن نامعتبر است",
		"unexpected signing method:": "روش امضای توکن نامعتبر است",
		"file too large:":            "حجم فایل بیش از حد مجاز است",
	},
}

// Translate returns message in the given locale, or message itself when the
// locale or key is unknown.
func Translate(locale, message string) string {
	table, ok := translations[normalize(locale)]
	if !ok {
		return message
	}
	if translated, ok := table[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations[normalize(locale)] {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

// normalize reduces a locale or an Accept-Language header to its first
// primary language tag: "fa-IR,fa;q=0.9" becomes "fa".
func normalize(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_,;"); i > 0 {
		locale = locale[:i]
	}
	return strings.TrimSpace(locale)
}
