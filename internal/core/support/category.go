package support

import (
	"fmt"
	"strconv"
)

// ComplaintCategory routes a complaint to the responsible unit.
type ComplaintCategory int

const (
	CategoryDeviceIssue ComplaintCategory = iota + 1
	CategoryShipping
	CategoryFinancial
	CategoryPersonnel
	CategorySales
	CategoryOther
)

type categoryInfo struct {
	code        string
	label       string
	subjectGUID string
	unit        int
}

var categories = map[ComplaintCategory]categoryInfo{
	CategoryDeviceIssue: {"device_issue", "🔧 خرابی و تعمیرات دستگاه", "b97cc769-1743-4d1b-921a-533f2029fcd7", 2},
	CategoryShipping:    {"shipping", "🚚 ارسال و دریافت دستگاه", "66d2e05e-3a4f-4729-b28a-20688366eacd", 3},
	CategoryFinancial:   {"financial", "💰 بخش مالی و حسابداری", "1c8d9167-ad1f-4a96-ad46-c9e07c7152ac", 4},
	CategoryPersonnel:   {"personnel", "👤 پشتیبانی و رفتار پرسنل", "9419941c-bc73-4dab-9169-11651517e151", 3},
	CategorySales:       {"sales", "📈 بخش فروش و توسعه بازار", "20e10aee-87ec-47c9-b1ce-a9e5b3ae369f", 1},
	CategoryOther:       {"other", "📝 سایر موارد", "d369c193-95ce-4d7b-8028-7d961c339f28", 0},
}

// Categories lists every category in display order.
func Categories() []ComplaintCategory {
	return []ComplaintCategory{
		CategoryDeviceIssue,
		CategoryShipping,
		CategoryFinancial,
		CategoryPersonnel,
		CategorySales,
		CategoryOther,
	}
}

func (c ComplaintCategory) Valid() bool {
	_, ok := categories[c]
	return ok
}

func (c ComplaintCategory) Code() string      { return categories[c].code }
func (c ComplaintCategory) Label() string     { return categories[c].label }
func (c ComplaintCategory) SubjectID() string { return categories[c].subjectGUID }
func (c ComplaintCategory) Unit() int         { return categories[c].unit }

// ParseCategory accepts the numeric id or the code.
func ParseCategory(s string) (ComplaintCategory, error) {
	if id, err := strconv.Atoi(s); err == nil {
		if c := ComplaintCategory(id); c.Valid() {
			return c, nil
		}
	}
	for c, info := range categories {
		if info.code == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown complaint category %q", s)
}
