package category

import "strings"

// Standard Newznab Categories
// https://newznab.readthedocs.io/en/latest/misc/api/#predefined-categories
var (
	ZedOther       = New(0, "Other")
	ZedOtherMisc   = New(10, "Other/Misc")
	ZedOtherHashed = New(20, "Other/Hashed")

	Console           = New(1000, "Console")
	ConsoleNDS        = New(1010, "Console/NDS")
	ConsolePSP        = New(1020, "Console/PSP")
	ConsoleWii        = New(1030, "Console/Wii")
	ConsoleXBox       = New(1040, "Console/XBox")
	ConsoleXBox360    = New(1050, "Console/XBox 360")
	ConsoleWiiware    = New(1060, "Console/Wiiware")
	ConsoleXBox360DLC = New(1070, "Console/XBox 360 DLC")
	ConsolePS3        = New(1080, "Console/PS3")
	ConsoleOther      = New(1090, "Console/Other")
	Console3DS        = New(1110, "Console/3DS")
	ConsolePSVita     = New(1120, "Console/PS Vita")
	ConsoleWiiU       = New(1130, "Console/WiiU")
	ConsoleXBoxOne    = New(1140, "Console/XBox One")
	ConsolePS4        = New(1180, "Console/PS4")

	Movies        = New(2000, "Movies")
	MoviesForeign = New(2010, "Movies/Foreign")
	MoviesOther   = New(2020, "Movies/Other")
	MoviesSD      = New(2030, "Movies/SD")
	MoviesHD      = New(2040, "Movies/HD")
	MoviesUHD     = New(2045, "Movies/UHD")
	MoviesBluRay  = New(2050, "Movies/BluRay")
	Movies3D      = New(2060, "Movies/3D")
	MoviesDVD     = New(2070, "Movies/DVD")
	MoviesWEBDL   = New(2080, "Movies/WEB-DL")
	Moviesx265    = New(2090, "Movies/x265")

	Audio          = New(3000, "Audio")
	AudioMP3       = New(3010, "Audio/MP3")
	AudioVideo     = New(3020, "Audio/Video")
	AudioAudiobook = New(3030, "Audio/Audiobook")
	AudioLossless  = New(3040, "Audio/Lossless")
	AudioOther     = New(3050, "Audio/Other")
	AudioForeign   = New(3060, "Audio/Foreign")

	PC              = New(4000, "PC")
	PC0day          = New(4010, "PC/0day")
	PCISO           = New(4020, "PC/ISO")
	PCMac           = New(4030, "PC/Mac")
	PCMobileOther   = New(4040, "PC/Mobile-Other")
	PCGames         = New(4050, "PC/Games")
	PCMobileiOS     = New(4060, "PC/Mobile-iOS")
	PCMobileAndroid = New(4070, "PC/Mobile-Android")

	TV            = New(5000, "TV")
	TVWEBDL       = New(5010, "TV/WEB-DL")
	TVForeign     = New(5020, "TV/Foreign")
	TVSD          = New(5030, "TV/SD")
	TVHD          = New(5040, "TV/HD")
	TVUHD         = New(5045, "TV/UHD")
	TVOther       = New(5050, "TV/Other")
	TVSport       = New(5060, "TV/Sport")
	TVAnime       = New(5070, "TV/Anime")
	TVDocumentary = New(5080, "TV/Documentary")
	TVx265        = New(5090, "TV/x265")

	XXX         = New(6000, "XXX")
	XXXDVD      = New(6010, "XXX/DVD")
	XXXWMV      = New(6020, "XXX/WMV")
	XXXXviD     = New(6030, "XXX/XviD")
	XXXx264     = New(6040, "XXX/x264")
	XXXUHD      = New(6045, "XXX/UHD")
	XXXPack     = New(6050, "XXX/Pack")
	XXXImageSet = New(6060, "XXX/ImageSet")
	XXXOther    = New(6070, "XXX/Other")
	XXXSD       = New(6080, "XXX/SD")
	XXXWEBDL    = New(6090, "XXX/WEB-DL")

	Books          = New(7000, "Books")
	BooksMags      = New(7010, "Books/Mags")
	BooksEBook     = New(7020, "Books/EBook")
	BooksComics    = New(7030, "Books/Comics")
	BooksTechnical = New(7040, "Books/Technical")
	BooksOther     = New(7050, "Books/Other")
	BooksForeign   = New(7060, "Books/Foreign")

	Other       = New(8000, "Other")
	OtherMisc   = New(8010, "Other/Misc")
	OtherHashed = New(8020, "Other/Hashed")
)

// ParentCats lists the top-level standard categories in lookup order.
var ParentCats = []*Category{ZedOther, Console, Movies, Audio, PC, TV, XXX, Books, Other}

// AllCats lists every standard category, parents first within each group.
var AllCats []*Category

var byID map[int]*Category

func init() {
	ZedOther.SubCategories = []*Category{ZedOtherMisc, ZedOtherHashed}
	Console.SubCategories = []*Category{
		ConsoleNDS, ConsolePSP, ConsoleWii, ConsoleXBox, ConsoleXBox360, ConsoleWiiware, ConsoleXBox360DLC,
		ConsolePS3, ConsoleOther, Console3DS, ConsolePSVita, ConsoleWiiU, ConsoleXBoxOne, ConsolePS4,
	}
	Movies.SubCategories = []*Category{
		MoviesForeign, MoviesOther, MoviesSD, MoviesHD, MoviesUHD, MoviesBluRay, Movies3D, MoviesDVD, MoviesWEBDL, Moviesx265,
	}
	Audio.SubCategories = []*Category{AudioMP3, AudioVideo, AudioAudiobook, AudioLossless, AudioOther, AudioForeign}
	PC.SubCategories = []*Category{PC0day, PCISO, PCMac, PCMobileOther, PCGames, PCMobileiOS, PCMobileAndroid}
	TV.SubCategories = []*Category{
		TVWEBDL, TVForeign, TVSD, TVHD, TVUHD, TVOther, TVSport, TVAnime, TVDocumentary, TVx265,
	}
	XXX.SubCategories = []*Category{
		XXXDVD, XXXWMV, XXXXviD, XXXx264, XXXUHD, XXXPack, XXXImageSet, XXXOther, XXXSD, XXXWEBDL,
	}
	Books.SubCategories = []*Category{BooksMags, BooksEBook, BooksComics, BooksTechnical, BooksOther, BooksForeign}
	Other.SubCategories = []*Category{OtherMisc, OtherHashed}

	byID = make(map[int]*Category)
	for _, parent := range ParentCats {
		AllCats = append(AllCats, parent)
		byID[parent.ID] = parent
		for _, sub := range parent.SubCategories {
			AllCats = append(AllCats, sub)
			byID[sub.ID] = sub
		}
	}
}

// FindByID returns the standard category with the given id, or nil.
func FindByID(id int) *Category {
	return byID[id]
}

// FindByName returns the standard category whose name matches case-insensitively, or nil.
func FindByName(name string) *Category {
	for _, c := range AllCats {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// Name returns the standard category name for id, or "" when id is not standard.
func Name(id int) string {
	if c := byID[id]; c != nil {
		return c.Name
	}
	return ""
}

// ParentOf returns the standard parent containing id, or nil.
func ParentOf(id int) *Category {
	probe := &Category{ID: id}
	for _, parent := range ParentCats {
		if parent.Contains(probe) {
			return parent
		}
	}
	return nil
}

// IsMovie reports whether id is in the Movies group.
func IsMovie(id int) bool { return id >= 2000 && id < 3000 }

// IsTV reports whether id is in the TV group.
func IsTV(id int) bool { return id >= 5000 && id < 6000 }
