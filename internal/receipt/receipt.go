package receipt

// Unreadable is the sentinel used for text fields and categories that could not be read.
const Unreadable = "읽을 수 없음"

// UnreadableAmount is the sentinel used for integer fields that could not be read.
const UnreadableAmount = -1

// Category is a spending label from the closed taxonomy.
type Category string

const (
	CategoryFood     Category = "식비"
	CategoryGrooming Category = "미용"
	CategoryMedical  Category = "의료"
	CategoryLeisure  Category = "여가"
	CategorySupplies Category = "용품"
	CategoryOther    Category = "기타"

	// CategoryUnreadable marks an item whose category could not be determined.
	CategoryUnreadable Category = Unreadable
)

// CategoryInfo describes a taxonomy label for the extraction prompt.
type CategoryInfo struct {
	Label       Category
	Description string
}

// Taxonomy lists the six spending labels in display order.
var Taxonomy = []CategoryInfo{
	{CategoryFood, "사료, 간식, 영양제 등 반려동물이 먹는 것"},
	{CategoryGrooming, "미용, 목욕, 샴푸, 트리밍 등 외모 관리"},
	{CategoryMedical, "진료, 예방접종, 약, 수술 등 동물병원 관련 지출"},
	{CategoryLeisure, "장난감, 놀이, 호텔, 유치원, 여행 등 여가 활동"},
	{CategorySupplies, "배변패드, 모래, 하우스, 의류, 목줄 등 생활 용품"},
	{CategoryOther, "위 다섯 가지에 속하지 않는 모든 지출"},
}

// Valid reports whether c is one of the six labels or the unreadable sentinel.
func (c Category) Valid() bool {
	if c == CategoryUnreadable {
		return true
	}
	for _, info := range Taxonomy {
		if info.Label == c {
			return true
		}
	}
	return false
}

// LineItem is a single purchased item.
type LineItem struct {
	Name     string   `json:"name"`
	Price    int      `json:"price"`
	Count    int      `json:"count"`
	Category Category `json:"category"`
}

// Record is the structured result extracted from one receipt.
type Record struct {
	Date        string     `json:"date"` // YYYY-MM-DD or Unreadable
	Location    string     `json:"location"`
	Items       []LineItem `json:"items"`
	TotalAmount int        `json:"total_amount"`
}

// NotReceipt returns the record used when the image is not a receipt.
func NotReceipt() *Record {
	return &Record{
		Date:        Unreadable,
		Location:    Unreadable,
		Items:       []LineItem{},
		TotalAmount: UnreadableAmount,
	}
}

// IsNotReceipt reports whether r has the non-receipt shape.
func (r *Record) IsNotReceipt() bool {
	return r.Date == Unreadable &&
		r.Location == Unreadable &&
		len(r.Items) == 0 &&
		r.TotalAmount == UnreadableAmount
}

// UnreadableFields counts the fields of r, including item fields, that hold a sentinel.
func (r *Record) UnreadableFields() int {
	n := 0
	if r.Date == Unreadable {
		n++
	}
	if r.Location == Unreadable {
		n++
	}
	if r.TotalAmount == UnreadableAmount {
		n++
	}
	for _, item := range r.Items {
		if item.Name == Unreadable {
			n++
		}
		if item.Price == UnreadableAmount {
			n++
		}
		if item.Count == UnreadableAmount {
			n++
		}
		if item.Category == CategoryUnreadable {
			n++
		}
	}
	return n
}
