package quiz

type Variant string

const (
	Cloud  Variant = "CLOUD"
	Gocci  Variant = "GOCCI"
	Flous  Variant = "FLOUS"
	Jungle Variant = "JUNGLE"
)

// Priority is the tie-break order: on equal totals the earlier variant wins.
var Priority = [...]Variant{Cloud, Gocci, Flous, Jungle}

type AnswerTag string

type Vote struct {
	Variant Variant
	Weight  int
}

type Option struct {
	Tag   AnswerTag
	Label string
	Votes []Vote
}

type Question struct {
	Prompt  string
	Options []Option
}

// Option looks up an option of q by tag.
func (q Question) Option(tag AnswerTag) (Option, bool) {
	for _, o := range q.Options {
		if o.Tag == tag {
			return o, true
		}
	}
	return Option{}, false
}

type VariantInfo struct {
	Title       string
	Description string
	URL         string
}

const CatalogueURL = "https://filsdesign.ru/sofas"

var Variants = map[Variant]VariantInfo{
	Cloud: {
		Title:       "CLOUD",
		Description: "Тебе подойдёт диван *CLOUD* — невероятно мягкий, будто облако. Создан для расслабления и уюта.",
		URL:         CatalogueURL + "/cloud",
	},
	Gocci: {
		Title:       "GOCCI",
		Description: "Твоя модель — *GOCCI*. Лаконичные линии, модульность и идеальная геометрия для современных интерьеров.",
		URL:         CatalogueURL + "/gocci",
	},
	Flous: {
		Title:       "FLOUS",
		Description: "Рекомендуем *FLOUS* — строгий, уверенный диван с мягкой глубокой посадкой. Для тех, кто ценит стиль и комфорт без компромиссов.",
		URL:         CatalogueURL + "/flous",
	},
	Jungle: {
		Title:       "JUNGLE",
		Description: "Идеальный вариант — *JUNGLE*. Низкий, широкий и невероятно комфортный диван для отдыха и общения.",
		URL:         CatalogueURL + "/jungle",
	},
}

// Questions is the fixed, linear question sequence.
var Questions = []Question{
	{
		Prompt: "🧩 Вопрос 1:\nГде будет стоять диван?",
		Options: []Option{
			{Tag: "living_room", Label: "1️⃣ Просторная гостиная", Votes: []Vote{{Cloud, 1}, {Jungle, 1}}},
			{Tag: "studio", Label: "2️⃣ Студия", Votes: []Vote{{Gocci, 1}}},
			{Tag: "office", Label: "3️⃣ Офис / кабинет", Votes: []Vote{{Flous, 2}}},
			{Tag: "country_house", Label: "4️⃣ Загородный дом", Votes: []Vote{{Jungle, 2}}},
		},
	},
	{
		Prompt: "🧩 Вопрос 2:\nЧто для тебя важнее всего?",
		Options: []Option{
			{Tag: "comfort", Label: "1️⃣ Максимальный комфорт", Votes: []Vote{{Cloud, 2}, {Jungle, 1}}},
			{Tag: "minimalism", Label: "2️⃣ Минимализм, чёткие линии", Votes: []Vote{{Gocci, 2}, {Flous, 1}}},
			{Tag: "wow_design", Label: "3️⃣ Вау‑дизайн", Votes: []Vote{{Flous, 2}, {Cloud, 1}}},
			{Tag: "modular", Label: "4️⃣ Модульность, простор", Votes: []Vote{{Gocci, 1}, {Jungle, 1}, {Cloud, 1}}},
		},
	},
	{
		Prompt: "🧩 Вопрос 3:\nКакой стиль тебе ближе?",
		Options: []Option{
			{Tag: "modern_minimal", Label: "1️⃣ Современный минимализм", Votes: []Vote{{Gocci, 2}, {Cloud, 1}}},
			{Tag: "loft", Label: "2️⃣ Лофт / урбан", Votes: []Vote{{Flous, 2}}},
			{Tag: "modern_classic", Label: "3️⃣ Современная классика", Votes: []Vote{{Cloud, 2}, {Flous, 1}}},
			{Tag: "calm_luxury", Label: "4️⃣ Дорого и спокойно", Votes: []Vote{{Jungle, 2}, {Cloud, 1}}},
		},
	},
	{
		Prompt: "🧩 Вопрос 4:\nЧто ты ожидаешь от дивана?",
		Options: []Option{
			{Tag: "soft_cozy", Label: "1️⃣ Мягкий и уютный ☁️", Votes: []Vote{{Cloud, 3}}},
			{Tag: "strict_stylish", Label: "2️⃣ Строго и стильно", Votes: []Vote{{Gocci, 2}, {Flous, 1}}},
			{Tag: "transformable", Label: "3️⃣ Трансформируемый", Votes: []Vote{{Gocci, 2}, {Cloud, 1}}},
			{Tag: "accent", Label: "4️⃣ Акцент в комнате", Votes: []Vote{{Flous, 2}, {Cloud, 1}}},
		},
	},
}

// QuestionCount is the number of answers a completed session holds.
var QuestionCount = len(Questions)
