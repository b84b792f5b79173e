package langprofile

import (
	"regexp"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/script"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/validate"
)

// romanReading is the reading class shared by the romanized profiles.
// Their base classes accept nonspacing marks after the first letter:
// harakat and the combining stress accent belong to the Inherited script.
const romanReading = `[\p{Latin}\p{M}\s'’ʹʼʿʾ·\-]+`

// Default returns a registry with the builtin profiles.
func Default() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		// The builtin table is static; a duplicate code is a programming error.
		panic(err)
	}
	return r
}

// Builtin returns fresh copies of the builtin profile rows.
func Builtin() []*Profile {
	out := []*Profile{
		japanese(),
		chinese(),
		korean(),
		russian(),
		arabic(),
		hindi(),
		thai(),
	}
	for _, l := range []struct{ code, name string }{
		{"en", "English"},
		{"fr", "French"},
		{"es", "Spanish"},
		{"de", "German"},
		{"it", "Italian"},
		{"pt", "Portuguese"},
	} {
		out = append(out, &Profile{Code: l.code, Name: l.name, InScript: script.IsLatin})
	}
	return out
}

func japanese() *Profile {
	return &Profile{
		Code:        "ja",
		Name:        "Japanese",
		ScriptName:  "kanji",
		ReadingName: "hiragana furigana",
		InScript:    func(r rune) bool { return script.IsHan(r) || script.IsKana(r) },
		Base:        script.IsHan,
		Annotation:  regexp.MustCompile(`([\p{Han}々〆]+)\(([\p{Hiragana}\p{Katakana}ー・\s]+)\)`),
		Instructions: "Put the hiragana reading in parentheses directly after each run of kanji, covering only that run, " +
			"e.g. 東京(とうきょう)に行(い)きます and 食(た)べ物(もの). Leave kana unannotated. " +
			"Use the dictionary reading for compound words and irregular readings instead of joining single-character readings.",
		IssueDivisor: 4,
		Compounds: map[string][]string{
			"今日":  {"きょう", "こんにち"},
			"明日":  {"あした", "あす", "みょうにち"},
			"昨日":  {"きのう", "さくじつ"},
			"一昨日": {"おととい", "いっさくじつ"},
			"今朝":  {"けさ"},
			"今年":  {"ことし"},
			"大人":  {"おとな"},
			"一人":  {"ひとり"},
			"二人":  {"ふたり"},
			"一日":  {"いちにち", "ついたち"},
			"二十歳": {"はたち"},
			"果物":  {"くだもの"},
			"時計":  {"とけい"},
			"眼鏡":  {"めがね"},
			"土産":  {"みやげ"},
			"上手":  {"じょうず"},
			"下手":  {"へた"},
			"部屋":  {"へや"},
			"景色":  {"けしき"},
			"七夕":  {"たなばた"},
			"梅雨":  {"つゆ", "ばいう"},
			"風邪":  {"かぜ"},
			"相撲":  {"すもう"},
			"博士":  {"はかせ", "はくし"},
			"日本":  {"にほん", "にっぽん"},
			"日本語": {"にほんご"},
			"東京":  {"とうきょう"},
			"京都":  {"きょうと"},
			"大阪":  {"おおさか"},
			"大学":  {"だいがく"},
			"先生":  {"せんせい"},
			"図書館": {"としょかん"},
		},
	}
}

func chinese() *Profile {
	return &Profile{
		Code:        "zh",
		Name:        "Chinese",
		ScriptName:  "hanzi",
		ReadingName: "pinyin with tone marks",
		InScript:    script.IsHan,
		Base:        script.IsHan,
		Annotation:  regexp.MustCompile(`(\p{Han}+)\((` + romanReading + `)\)`),
		Instructions: "Put Hanyu Pinyin with tone marks in parentheses directly after every word of Chinese characters, " +
			"e.g. 我(wǒ)是(shì)中国人(zhōngguórén). Apply the tone changes of 一 and 不 " +
			"and write neutral-tone syllables without a mark.",
		IssueDivisor: 4,
		Patterns: []validate.PatternRule{
			sandhi("不是", "bú shì", "bù shì"),
			sandhi("不要", "bú yào", "bù yào"),
			sandhi("不对", "bú duì", "bù duì"),
			sandhi("不用", "bú yòng", "bù yòng"),
			sandhi("不客气", "bú kè qi", "bù kè qì", "bù kè qi"),
			sandhi("一个", "yí gè", "yī gè", "yī ge"),
			sandhi("一样", "yí yàng", "yī yàng"),
			sandhi("一定", "yí dìng", "yī dìng"),
			sandhiYi("一起", "yì qǐ", "yī qǐ"),
			sandhiYi("一些", "yì xiē", "yī xiē"),
			sandhiYi("一天", "yì tiān", "yī tiān"),
			neutral("谢谢", "xiè xie", "xiè xiè"),
			neutral("妈妈", "mā ma", "mā mā"),
			neutral("爸爸", "bà ba", "bà bà"),
			neutral("朋友", "péng you", "péng yǒu"),
			neutral("喜欢", "xǐ huan", "xǐ huān"),
			neutral("时候", "shí hou", "shí hòu"),
			neutral("知道", "zhī dao", "zhī dào"),
			neutral("漂亮", "piào liang", "piào liàng"),
		},
		Compounds: map[string][]string{
			"北京": {"běijīng"},
			"上海": {"shànghǎi"},
			"中国": {"zhōngguó"},
			"银行": {"yínháng"},
			"行业": {"hángyè"},
			"重庆": {"chóngqìng"},
			"重要": {"zhòngyào"},
			"长城": {"chángchéng"},
			"长大": {"zhǎngdà"},
			"音乐": {"yīnyuè"},
			"快乐": {"kuàilè"},
			"觉得": {"juéde"},
			"睡觉": {"shuìjiào"},
			"还是": {"háishi", "háishì"},
			"便宜": {"piányi"},
			"会计": {"kuàijì"},
		},
	}
}

func sandhi(word, right string, wrong ...string) validate.PatternRule {
	return validate.PatternRule{
		Kind: validate.KindToneSandhi, Word: word, Wrong: wrong, Right: right,
		Note: "rises to the second tone before a fourth tone",
	}
}

func sandhiYi(word, right string, wrong ...string) validate.PatternRule {
	return validate.PatternRule{
		Kind: validate.KindToneSandhi, Word: word, Wrong: wrong, Right: right,
		Note: "一 takes the fourth tone before a non-fourth tone",
	}
}

func neutral(word, right string, wrong ...string) validate.PatternRule {
	return validate.PatternRule{
		Kind: validate.KindToneSandhi, Word: word, Wrong: wrong, Right: right,
		Note: "second syllable is neutral tone",
	}
}

func korean() *Profile {
	return &Profile{
		Code:        "ko",
		Name:        "Korean",
		ScriptName:  "hangul",
		ReadingName: "Revised Romanization",
		InScript:    script.IsHangul,
		Base:        script.IsHangul,
		Annotation:  regexp.MustCompile(`(\p{Hangul}+)\((` + romanReading + `)\)`),
		Instructions: "Put the Revised Romanization in parentheses directly after every Hangul word, " +
			"applying pronunciation changes across syllables, e.g. 감사합니다(gamsahamnida).",
		IssueDivisor: 6,
		Compounds: map[string][]string{
			"한국어":   {"hangugeo"},
			"감사합니다": {"gamsahamnida"},
			"신라":    {"silla"},
			"국물":    {"gungmul"},
			"같이":    {"gachi"},
			"좋아요":   {"joayo"},
			"학교":    {"hakgyo"},
			"독립":    {"dongnip"},
		},
	}
}

func russian() *Profile {
	return &Profile{
		Code:        "ru",
		Name:        "Russian",
		ScriptName:  "Cyrillic",
		ReadingName: "Latin transliteration",
		InScript:    script.IsCyrillic,
		Base:        letterOrMark(script.IsCyrillic),
		Annotation:  regexp.MustCompile(`(\p{Cyrillic}[\p{Cyrillic}\p{Mn}]*)\((` + romanReading + `)\)`),
		Instructions: "Put a Latin transliteration in parentheses directly after every Russian word, " +
			"marking the soft sign ь with ʹ, e.g. учитель(uchitelʹ).",
		IssueDivisor: 10,
		Extra: []validate.Rule{
			validate.PalatalizationRule{
				Digraph: regexp.MustCompile(`(?i)[бвгдзклмнпрстфхцчшщж]ь`),
				Markers: "ʹ'’ʼ",
			},
		},
		Compounds: map[string][]string{
			"Москва":       {"moskva"},
			"спасибо":      {"spasibo"},
			"здравствуйте": {"zdravstvuyte", "zdravstvujte"},
			"Россия":       {"rossiya", "rossija"},
			"хорошо":       {"khorosho", "horosho"},
			"сегодня":      {"segodnya", "sevodnya"},
		},
	}
}

func arabic() *Profile {
	return &Profile{
		Code:        "ar",
		Name:        "Arabic",
		ScriptName:  "Arabic",
		ReadingName: "Latin transliteration",
		InScript:    script.IsArabic,
		Base:        script.IsArabic,
		Annotation:  regexp.MustCompile(`(\p{Arabic}[\p{Arabic}\p{Mn}]*)\((` + romanReading + `)\)`),
		Instructions: "Put a Latin transliteration in parentheses directly after every Arabic word. " +
			"Assimilate the article before sun letters, e.g. الشمس(ash-shams), but keep al- before moon letters, e.g. القمر(al-qamar).",
		IssueDivisor: 8,
		Extra: []validate.Rule{
			validate.SunLetterRule{
				Article: "ال",
				Letters: map[rune][]string{
					'ت': {"t"},
					'ث': {"th"},
					'د': {"d"},
					'ذ': {"dh"},
					'ر': {"r"},
					'ز': {"z"},
					'س': {"s"},
					'ش': {"sh"},
					'ص': {"ṣ", "s"},
					'ض': {"ḍ", "d"},
					'ط': {"ṭ", "t"},
					'ظ': {"ẓ", "z", "dh"},
					'ن': {"n"},
				},
			},
		},
		Compounds: map[string][]string{
			"مرحبا":   {"marhaban", "marḥaban"},
			"شكرا":    {"shukran"},
			"القاهرة": {"al-qāhira", "al-qahira"},
		},
	}
}

func hindi() *Profile {
	return &Profile{
		Code:        "hi",
		Name:        "Hindi",
		ScriptName:  "Devanagari",
		ReadingName: "IAST romanization",
		InScript:    script.IsDevanagari,
		Base:        letterOrMark(script.IsDevanagari),
		Annotation:  regexp.MustCompile(`(\p{Devanagari}[\p{Devanagari}\p{Mn}]*)\((` + romanReading + `)\)`),
		Instructions: "Put an IAST romanization in parentheses directly after every Hindi word, " +
			"marking long vowels and retroflex consonants, e.g. भारत(bhārat), ठंडा(ṭhaṇḍā).",
		IssueDivisor: 8,
		Extra: []validate.Rule{
			validate.DiacriticRule{
				MinBaseLen: 2,
				Classes: []validate.DiacriticClass{
					{Name: "vowel length", Triggers: "ाीूआईऊ", Marks: "āīū"},
					{Name: "retroflex", Triggers: "टठडढण", Marks: "ṭḍṇ"},
					{Name: "sibilant", Triggers: "षश", Marks: "ṣś"},
				},
			},
		},
		Compounds: map[string][]string{
			"नमस्ते": {"namaste"},
			"भारत":   {"bhārat"},
		},
	}
}

func thai() *Profile {
	return &Profile{
		Code:        "th",
		Name:        "Thai",
		ScriptName:  "Thai",
		ReadingName: "RTGS romanization",
		InScript:    script.IsThai,
		Base:        letterOrMark(script.IsThai),
		Annotation:  regexp.MustCompile(`(\p{Thai}[\p{Thai}\p{Mn}]*)\((` + romanReading + `)\)`),
		Instructions: "Put the RTGS romanization in parentheses directly after every Thai word, " +
			"e.g. สวัสดี(sawatdi) ครับ(khrap).",
		IssueDivisor: 8,
		Compounds: map[string][]string{
			"สวัสดี":  {"sawatdi", "sawasdee"},
			"ขอบคุณ":  {"khopkhun", "khob khun"},
			"กรุงเทพ": {"krungthep"},
		},
	}
}
