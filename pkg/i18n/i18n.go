// Package i18n holds the language-keyed string table for every user visible
// message, in English and Vietnamese.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

// Language is one of the supported UI languages
type Language string

const (
	English    Language = "en"
	Vietnamese Language = "vi"
)

// Default is used when nothing better matches
const Default = English

// Supported lists the languages in display order
var Supported = []Language{English, Vietnamese}

var matcher = language.NewMatcher([]language.Tag{
	language.English,
	language.Vietnamese,
})

// Parse maps an arbitrary BCP 47 tag or Accept-Language value onto a
// supported language. Unknown or empty input yields Default.
func Parse(s string) Language {
	s = strings.TrimSpace(s)
	if s == "" {
		return Default
	}
	tags, _, err := language.ParseAcceptLanguage(s)
	if err != nil || len(tags) == 0 {
		return Default
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return Default
	}
	return Supported[idx]
}

// Valid reports whether l is a supported language
func (l Language) Valid() bool {
	return l == English || l == Vietnamese
}

// Tag returns the x/text tag for l
func (l Language) Tag() language.Tag {
	if l == Vietnamese {
		return language.Vietnamese
	}
	return language.English
}

// Name returns the language name written in that language
func (l Language) Name() string {
	if l == Vietnamese {
		return "Tiếng Việt"
	}
	return "English"
}

// Strings is the full message catalog for one language. Fields ending in
// Fmt are fmt format strings taking a single %s argument.
type Strings struct {
	PageTitle               string
	AppTitle                string
	AppSubtitle             string
	SelectImageFirst        string
	UnsupportedImageType    string
	ErrorDuringDetection    string
	AnalyzingImage          string
	NoDetections            string
	DetectionDetails        string
	UploadInstructionPrefix string
	UploadInstructionSuffix string
	FileTypes               string
	SelectedFile            string
	DetectButton            string
	ProcessingButton        string
	UploadToSee             string
	PreparingImage          string
	AnalyzingOverlay        string
	ErrorHeading            string
	FooterText              string
	LanguageEnglish         string
	LanguageVietnamese      string
	Smoke                   string
	Fire                    string
	ErrorLoadingImage       string
	ImageDisplayArea        string

	// Credential area
	CredentialLabel    string
	CredentialSaved    string
	CredentialRemoved  string
	CredentialRequired string
	CredentialRejected string
	CredentialSetupFmt string

	// Detection errors
	ClientNotInitialized string
	InvalidResponseShapeFmt string
	MalformedResponseFmt string
	RequestFailedFmt     string
	UnknownRemoteError   string
	Busy                 string
}

var catalog = map[Language]Strings{
	English: {
		PageTitle:               "Smoke & Fire Detection AI",
		AppTitle:                "Smoke & Fire Detector AI",
		AppSubtitle:             "Upload an image to detect smoke and fire using Gemini.",
		SelectImageFirst:        "Please select an image first.",
		UnsupportedImageType:    "Unsupported image type. Please use JPEG, PNG, or WebP.",
		ErrorDuringDetection:    "An unknown error occurred during detection.",
		AnalyzingImage:          "Analyzing image, please wait...",
		NoDetections:            "No smoke or fire detected in the image.",
		DetectionDetails:        "Detection Details:",
		UploadInstructionPrefix: "Click to upload",
		UploadInstructionSuffix: "or drag and drop",
		FileTypes:               "PNG, JPG, WEBP (MAX. 5MB)",
		SelectedFile:            "Selected:",
		DetectButton:            "Detect Smoke & Fire",
		ProcessingButton:        "Processing...",
		UploadToSee:             "Upload an image to see it here",
		PreparingImage:          "Preparing image...",
		AnalyzingOverlay:        "Analyzing...",
		ErrorHeading:            "Error:",
		FooterText:              "AI Vision App. Powered by Gemini.",
		LanguageEnglish:         "English",
		LanguageVietnamese:      "Tiếng Việt",
		Smoke:                   "Smoke",
		Fire:                    "Fire",
		ErrorLoadingImage:       "Error loading image",
		ImageDisplayArea:        "Image display area with detections",

		CredentialLabel:    "API key",
		CredentialSaved:    "API key saved.",
		CredentialRemoved:  "API key removed.",
		CredentialRequired: "Please enter an API key.",
		CredentialRejected: "The API key was rejected. Please enter a valid key.",
		CredentialSetupFmt: "Could not set up the API client: %s",

		ClientNotInitialized:    "API key is not configured. Cannot make API calls.",
		InvalidResponseShapeFmt: "Invalid response format from API: 'detections' array not found or malformed. Model raw output: %s",
		MalformedResponseFmt:    "Failed to parse API response as JSON. Model raw output: %s",
		RequestFailedFmt:        "API request failed: %s",
		UnknownRemoteError:      "An unknown error occurred while communicating with the model API.",
		Busy:                    "A detection is already in progress.",
	},
	Vietnamese: {
		PageTitle:               "AI Phát Hiện Khói & Lửa",
		AppTitle:                "AI Phát Hiện Khói & Lửa",
		AppSubtitle:             "Tải ảnh lên để phát hiện khói và lửa bằng Gemini.",
		SelectImageFirst:        "Vui lòng chọn một hình ảnh trước.",
		UnsupportedImageType:    "Loại hình ảnh không được hỗ trợ. Vui lòng sử dụng JPEG, PNG hoặc WebP.",
		ErrorDuringDetection:    "Đã xảy ra lỗi không xác định trong quá trình phát hiện.",
		AnalyzingImage:          "Đang phân tích hình ảnh, vui lòng đợi...",
		NoDetections:            "Không phát hiện thấy khói hoặc lửa trong hình ảnh.",
		DetectionDetails:        "Chi Tiết Phát Hiện:",
		UploadInstructionPrefix: "Nhấp để tải lên",
		UploadInstructionSuffix: "hoặc kéo và thả",
		FileTypes:               "PNG, JPG, WEBP (TỐI ĐA 5MB)",
		SelectedFile:            "Đã chọn:",
		DetectButton:            "Phát Hiện Khói & Lửa",
		ProcessingButton:        "Đang xử lý...",
		UploadToSee:             "Tải ảnh lên để xem tại đây",
		PreparingImage:          "Đang chuẩn bị hình ảnh...",
		AnalyzingOverlay:        "Đang phân tích...",
		ErrorHeading:            "Lỗi:",
		FooterText:              "Ứng dụng Thị giác AI. Cung cấp bởi Gemini.",
		LanguageEnglish:         "English",
		LanguageVietnamese:      "Tiếng Việt",
		Smoke:                   "Khói",
		Fire:                    "Lửa",
		ErrorLoadingImage:       "Lỗi tải hình ảnh",
		ImageDisplayArea:        "Khu vực hiển thị hình ảnh với các phát hiện",

		CredentialLabel:    "Khóa API",
		CredentialSaved:    "Đã lưu khóa API.",
		CredentialRemoved:  "Đã xóa khóa API.",
		CredentialRequired: "Vui lòng nhập khóa API.",
		CredentialRejected: "Khóa API bị từ chối. Vui lòng nhập khóa hợp lệ.",
		CredentialSetupFmt: "Không thể khởi tạo ứng dụng khách API: %s",

		ClientNotInitialized:    "Khóa API chưa được định cấu hình. Không thể thực hiện cuộc gọi API.",
		InvalidResponseShapeFmt: "Định dạng phản hồi không hợp lệ từ API: không tìm thấy mảng 'detections' hoặc định dạng sai. Đầu ra thô của mô hình: %s",
		MalformedResponseFmt:    "Không thể phân tích phản hồi API dưới dạng JSON. Đầu ra thô của mô hình: %s",
		RequestFailedFmt:        "Yêu cầu API không thành công: %s",
		UnknownRemoteError:      "Đã xảy ra lỗi không xác định khi giao tiếp với API mô hình.",
		Busy:                    "Đang có một yêu cầu phát hiện đang chạy.",
	},
}

// For returns the catalog for l, falling back to Default
func For(l Language) Strings {
	if s, ok := catalog[l]; ok {
		return s
	}
	return catalog[Default]
}

// Label returns the localized display name of a detection type. Anything
// that is not "fire" is treated as smoke.
func (s Strings) Label(detectionType string) string {
	if detectionType == "fire" {
		return s.Fire
	}
	return s.Smoke
}
